package interfaces

import (
	"context"

	"github.com/unimailhq/unimail/internal/models"
)

type OrphanRefRepository interface {
	Create(ctx context.Context, orphan *models.OrphanRef) error
	GetByMessageID(ctx context.Context, accountID, messageID string) (*models.OrphanRef, error)
	DeleteByThreadID(ctx context.Context, threadID string) error
}
