package interfaces

import (
	"context"
	"time"
)

// SearchDocument is the flattened view of an email pushed to the search
// engine. Upserts are idempotent by ID.
type SearchDocument struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"accountId"`
	ThreadID    string     `json:"threadId"`
	Folder      string     `json:"folder"`
	Subject     string     `json:"subject"`
	FromAddress string     `json:"fromAddress"`
	ToAddresses []string   `json:"toAddresses"`
	Body        string     `json:"body"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
}

// SearchIndex is the external full-text engine contract.
type SearchIndex interface {
	Upsert(ctx context.Context, id string, doc *SearchDocument) error
	Delete(ctx context.Context, id string) error
}
