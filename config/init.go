package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/tracing"
)

func InitConfig() (*Config, error) {
	config := &Config{
		AppConfig:      &AppConfig{},
		Logger:         &logger.Config{},
		Tracing:        &tracing.JaegerConfig{},
		DatabaseConfig: &DatabaseConfig{},
		S3Storage:      &S3StorageConfig{},
		Secrets:        &SecretsConfig{},
		Search:         &SearchConfig{},
		Sync:           &SyncConfig{},
		Indexer:        &IndexerConfig{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
