package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/internal/database"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/server"
)

func main() {
	app := &cli.App{
		Name:  "unimail",
		Usage: "mailbox sync and ingestion service",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "run database migrations and exit",
				Action: func(c *cli.Context) error {
					cfg, db, err := bootstrap()
					if err != nil {
						return err
					}
					return repository.MigrateDB(cfg.DatabaseConfig, db)
				},
			},
			{
				Name:  "server",
				Usage: "run the api server, scheduler and sync workers",
				Action: func(c *cli.Context) error {
					cfg, db, err := bootstrap()
					if err != nil {
						return err
					}
					srv, err := server.NewServer(cfg, db)
					if err != nil {
						return err
					}
					return srv.Run()
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func bootstrap() (*config.Config, *gorm.DB, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := database.NewConnection(&database.DatabaseConfig{
		Host:            cfg.DatabaseConfig.Host,
		Port:            cfg.DatabaseConfig.Port,
		User:            cfg.DatabaseConfig.User,
		DBName:          cfg.DatabaseConfig.DBName,
		Password:        cfg.DatabaseConfig.Password,
		MaxConn:         cfg.DatabaseConfig.MaxConn,
		MaxIdleConn:     cfg.DatabaseConfig.MaxIdleConn,
		ConnMaxLifetime: cfg.DatabaseConfig.ConnMaxLifetime,
		LogLevel:        cfg.DatabaseConfig.LogLevel,
		SSLMode:         cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		return nil, nil, err
	}

	return cfg, db, nil
}
