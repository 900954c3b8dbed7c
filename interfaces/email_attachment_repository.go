package interfaces

import (
	"context"

	"github.com/unimailhq/unimail/internal/models"
)

type EmailAttachmentRepository interface {
	Create(ctx context.Context, attachment *models.EmailAttachment) error
	ListByEmail(ctx context.Context, emailID string) ([]*models.EmailAttachment, error)
}
