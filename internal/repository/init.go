package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/models"
)

// TxRunner runs a callback against repositories bound to one database
// transaction; any error rolls the whole transaction back.
type TxRunner interface {
	WithinTransaction(ctx context.Context, fn func(tx *Repositories) error) error
}

type Repositories struct {
	Tx                        TxRunner
	AccountRepository         interfaces.AccountRepository
	SyncJobRepository         interfaces.SyncJobRepository
	EmailRepository           interfaces.EmailRepository
	EmailThreadRepository     interfaces.EmailThreadRepository
	EmailAttachmentRepository interfaces.EmailAttachmentRepository
	OrphanRefRepository       interfaces.OrphanRefRepository
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Tx:                        &gormTxRunner{db: db},
		AccountRepository:         NewAccountRepository(db),
		SyncJobRepository:         NewSyncJobRepository(db),
		EmailRepository:           NewEmailRepository(db),
		EmailThreadRepository:     NewEmailThreadRepository(db),
		EmailAttachmentRepository: NewEmailAttachmentRepository(db),
		OrphanRefRepository:       NewOrphanRefRepository(db),
	}
}

type gormTxRunner struct {
	db *gorm.DB
}

func (t *gormTxRunner) WithinTransaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(InitRepositories(tx))
	})
}

func MigrateDB(dbConfig *config.DatabaseConfig, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	sqlDB.SetMaxOpenConns(5)

	err = db.AutoMigrate(
		&models.Account{},
		&models.SyncJob{},
		&models.Email{},
		&models.EmailThread{},
		&models.EmailAttachment{},
		&models.OrphanRef{},
	)
	if err != nil {
		return err
	}

	sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConn)
	sqlDB.SetMaxOpenConns(dbConfig.MaxConn)
	sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Minute)

	return nil
}
