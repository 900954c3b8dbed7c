package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/unimailhq/unimail/internal/utils"
)

// OrphanRef records a message id referenced by a stored message but not yet
// ingested itself. When the missing parent later arrives it adopts the thread
// the orphan record points at.
type OrphanRef struct {
	ID           string    `gorm:"column:id;type:varchar(50);primaryKey"`
	AccountID    string    `gorm:"column:account_id;type:varchar(50);index;not null"`
	MessageID    string    `gorm:"column:message_id;type:varchar(255);index;not null"`
	ReferencedBy string    `gorm:"column:referenced_by;type:varchar(255)"`
	ThreadID     string    `gorm:"column:thread_id;type:varchar(50);index"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
}

func (OrphanRef) TableName() string {
	return "orphan_refs"
}

func (o *OrphanRef) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = utils.GenerateNanoIDWithPrefix("orph", 12)
	}
	o.CreatedAt = utils.Now()
	return nil
}
