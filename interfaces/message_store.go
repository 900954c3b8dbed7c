package interfaces

import (
	"context"

	"github.com/unimailhq/unimail/internal/models"
)

// MessageStore dedups, threads and persists fetched messages.
type MessageStore interface {
	// Store persists one normalized message. If the dedup key already exists
	// the call is a no-op returning the existing row with created=false.
	Store(ctx context.Context, account *models.Account, msg *IncomingMessage) (email *models.Email, created bool, err error)
}

// IndexPipeline pushes stored messages into the search engine asynchronously.
// Failures stay inside the pipeline's own retry budget.
type IndexPipeline interface {
	EnqueueUpsert(email *models.Email)
	EnqueueDelete(emailID string)
	Start()
	Stop()
}
