package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/unimailhq/unimail/internal/enum"
	"github.com/unimailhq/unimail/internal/utils"
)

// Account is one connected mailbox at an external provider. Status and sync
// fields are mutated only by the sync orchestrator and the credential manager.
type Account struct {
	ID       string             `gorm:"column:id;type:varchar(50);primaryKey"`
	Provider enum.EmailProvider `gorm:"column:provider;type:varchar(50);index;not null"`
	Address  string             `gorm:"column:address;type:varchar(255);index;not null"`
	Status   enum.AccountStatus `gorm:"column:status;type:varchar(50);index;not null;default:active"`

	// SyncCursor is an opaque provider position. IMAP encodes folder UIDs,
	// Gmail stores a history id; nothing outside the adapter parses it.
	SyncCursor    string     `gorm:"column:sync_cursor;type:text"`
	LastSyncAt    *time.Time `gorm:"column:last_sync_at;type:timestamp"`
	LastSyncError string     `gorm:"column:last_sync_error;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	a.CreatedAt = utils.Now()
	return nil
}
