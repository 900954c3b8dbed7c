package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/unimailhq/unimail/internal/enum"
	"github.com/unimailhq/unimail/internal/utils"
)

// SyncJob is one scheduled sync attempt cycle for an account. Completed and
// failed are final; the scheduler creates a fresh job for the next cycle.
type SyncJob struct {
	ID string `gorm:"column:id;type:varchar(50);primaryKey"`
	// The partial unique index enforces at most one non-terminal job per
	// account across all replicas; completed_at is only ever set together
	// with a terminal state.
	AccountID      string            `gorm:"column:account_id;type:varchar(50);index;not null;uniqueIndex:uix_sync_jobs_one_active,where:completed_at IS NULL"`
	State          enum.SyncJobState `gorm:"column:state;type:varchar(50);index;not null;default:pending"`
	Attempts       int               `gorm:"column:attempts;default:0"`
	StartedAt      *time.Time        `gorm:"column:started_at;type:timestamp"`
	CompletedAt    *time.Time        `gorm:"column:completed_at;type:timestamp"`
	MessagesSynced int               `gorm:"column:messages_synced;default:0"`
	Error          string            `gorm:"column:error;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

func (j *SyncJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = utils.GenerateNanoIDWithPrefix("job", 16)
	}
	j.CreatedAt = utils.Now()
	return nil
}
