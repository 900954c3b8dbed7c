package interfaces

import (
	"context"
	"time"

	"github.com/unimailhq/unimail/internal/enum"
	"github.com/unimailhq/unimail/internal/models"
)

type SyncJobRepository interface {
	// Create returns ErrDuplicateActiveJob when the account already has a
	// pending or running job.
	Create(ctx context.Context, job *models.SyncJob) error
	GetByID(ctx context.Context, id string) (*models.SyncJob, error)
	// MarkRunning claims the job and increments attempts. Pending jobs are
	// always claimable; running jobs only when stalled before the cutoff.
	// ErrSyncJobNotClaimable means a live worker holds the job.
	MarkRunning(ctx context.Context, id string, stalledBefore time.Time) error
	// MarkPending transitions running -> pending between retry attempts.
	MarkPending(ctx context.Context, id string, jobError string) error
	// Complete finalizes the job; terminal states are never left again.
	Complete(ctx context.Context, id string, state enum.SyncJobState, messagesSynced int, jobError string) error
	// GetStalled lists non-terminal jobs untouched since the cutoff.
	GetStalled(ctx context.Context, before time.Time) ([]*models.SyncJob, error)
	CountActiveByAccount(ctx context.Context, accountID string) (int64, error)
}
