package interfaces

import (
	"context"
	"time"

	"github.com/unimailhq/unimail/internal/models"
)

type EmailThreadRepository interface {
	Create(ctx context.Context, thread *models.EmailThread) (string, error)
	GetByID(ctx context.Context, id string) (*models.EmailThread, error)
	FindBySubjectAndAccount(ctx context.Context, subject string, accountID string) ([]*models.EmailThread, error)
	// RecordMessage locks the thread row, increments message_count and folds
	// the new message's participants and timestamps into the thread. Runs in
	// the same transaction scope as the email insert it accounts for.
	RecordMessage(ctx context.Context, threadID string, messageID string, participants []string, messageTime time.Time, hasAttachment bool) error
}
