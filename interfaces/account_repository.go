package interfaces

import (
	"context"
	"time"

	"github.com/unimailhq/unimail/internal/enum"
	"github.com/unimailhq/unimail/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetDueForSync(ctx context.Context, olderThan time.Duration) ([]*models.Account, error)
	UpdateStatus(ctx context.Context, id string, status enum.AccountStatus) error
	UpdateSyncResult(ctx context.Context, id string, status enum.AccountStatus, cursor string, syncedAt time.Time, syncError string) error
}
