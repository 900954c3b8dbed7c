package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/unimailhq/unimail/internal/utils"
)

// EmailThread groups messages into a conversation. MessageCount is maintained
// transactionally with message inserts and always equals the number of emails
// referencing the thread.
type EmailThread struct {
	ID             string         `gorm:"column:id;type:varchar(50);primaryKey"`
	AccountID      string         `gorm:"column:account_id;type:varchar(50);index"`
	Subject        string         `gorm:"column:subject;type:varchar(1000);index"`
	Participants   pq.StringArray `gorm:"column:participants;type:text[]"`
	MessageCount   int            `gorm:"column:message_count;default:0"`
	LastMessageID  string         `gorm:"column:last_message_id;type:varchar(255)"`
	HasAttachments bool           `gorm:"column:has_attachments;default:false"`
	FirstMessageAt *time.Time     `gorm:"column:first_message_at;type:timestamp"`
	LastMessageAt  *time.Time     `gorm:"column:last_message_at;type:timestamp"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamp"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamp"`
}

func (EmailThread) TableName() string {
	return "email_threads"
}

func (e *EmailThread) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = utils.GenerateNanoIDWithPrefix("thrd", 16)
	}
	e.CreatedAt = utils.Now()
	return nil
}
