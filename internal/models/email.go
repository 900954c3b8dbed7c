package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/unimailhq/unimail/internal/utils"
)

// Email is one ingested message. The (account_id, provider_message_id) pair is
// the dedup key: re-fetching an overlapping window is a no-op.
type Email struct {
	ID                string `gorm:"column:id;type:varchar(50);primaryKey"`
	AccountID         string `gorm:"column:account_id;type:varchar(50);uniqueIndex:idx_account_provider_message;not null"`
	ProviderMessageID string `gorm:"column:provider_message_id;type:varchar(255);uniqueIndex:idx_account_provider_message;not null"`
	ThreadID          string `gorm:"column:thread_id;type:varchar(50);index"`
	Folder            string `gorm:"column:folder;type:varchar(100);index"`

	// Flags; the only fields mutated after ingestion.
	IsRead    bool `gorm:"column:is_read;default:false"`
	IsStarred bool `gorm:"column:is_starred;default:false"`
	IsSpam    bool `gorm:"column:is_spam;default:false"`

	// Normalized headers
	MessageID    string         `gorm:"column:message_id;type:varchar(255);index"`
	InReplyTo    string         `gorm:"column:in_reply_to;type:varchar(255);index"`
	References   pq.StringArray `gorm:"column:references_ids;type:text[]"`
	Subject      string         `gorm:"column:subject;type:varchar(1000)"`
	FromAddress  string         `gorm:"column:from_address;type:varchar(255);index"`
	FromName     string         `gorm:"column:from_name;type:varchar(255)"`
	ToAddresses  pq.StringArray `gorm:"column:to_addresses;type:text[]"`
	CcAddresses  pq.StringArray `gorm:"column:cc_addresses;type:text[]"`
	BccAddresses pq.StringArray `gorm:"column:bcc_addresses;type:text[]"`

	SentAt     *time.Time `gorm:"column:sent_at;type:timestamp;index"`
	ReceivedAt *time.Time `gorm:"column:received_at;type:timestamp;index"`

	BodyText      string `gorm:"column:body_text;type:text"`
	BodyHTML      string `gorm:"column:body_html;type:text"`
	HasAttachment bool   `gorm:"column:has_attachment;default:false"`

	// Raw content lives in the blob store under StorageKey.
	StorageKey string  `gorm:"column:storage_key;type:varchar(1000)"`
	Size       int     `gorm:"column:size;default:0"`
	RawHeaders JSONMap `gorm:"column:raw_headers;type:jsonb"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (Email) TableName() string {
	return "emails"
}

func (e *Email) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = utils.GenerateNanoIDWithPrefix("email", 24)
	}
	e.CreatedAt = utils.Now()
	return nil
}

// AllParticipants returns every address on the message, deduplicated.
func (e *Email) AllParticipants() []string {
	participants := make([]string, 0, 1+len(e.ToAddresses)+len(e.CcAddresses)+len(e.BccAddresses))
	if e.FromAddress != "" {
		participants = append(participants, e.FromAddress)
	}
	participants = append(participants, e.ToAddresses...)
	participants = append(participants, e.CcAddresses...)
	participants = append(participants, e.BccAddresses...)
	return utils.UniqueStrings(participants)
}
