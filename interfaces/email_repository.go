package interfaces

import (
	"context"

	"github.com/unimailhq/unimail/internal/models"
)

type EmailRepository interface {
	// Create inserts the email; on a dedup-key conflict it reports
	// created=false and leaves the existing row untouched.
	Create(ctx context.Context, email *models.Email) (created bool, err error)
	GetByID(ctx context.Context, id string) (*models.Email, error)
	GetByDedupKey(ctx context.Context, accountID, providerMessageID string) (*models.Email, error)
	GetByMessageID(ctx context.Context, accountID, messageID string) (*models.Email, error)
	ListByThread(ctx context.Context, threadID string) ([]*models.Email, error)
	UpdateFlags(ctx context.Context, id string, read, starred, spam *bool) error
	Delete(ctx context.Context, id string) error
}
