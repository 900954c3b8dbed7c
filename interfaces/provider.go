package interfaces

import (
	"context"
	"time"
)

// IncomingMessage is the provider-neutral shape every adapter normalizes
// fetched mail into before it reaches the message store.
type IncomingMessage struct {
	ProviderMessageID string
	MessageID         string
	InReplyTo         string
	References        []string
	Subject           string
	FromAddress       string
	FromName          string
	ToAddresses       []string
	CcAddresses       []string
	BccAddresses      []string
	Folder            string
	SentAt            *time.Time
	ReceivedAt        *time.Time
	IsRead            bool
	IsStarred         bool
	IsSpam            bool
	BodyText          string
	BodyHTML          string
	RawHeaders        map[string]interface{}
	Raw               []byte
	Size              int
	Attachments       []IncomingAttachment
}

type IncomingAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
	IsInline    bool
}

// RecordError is a single provider record that failed to normalize. It is
// reported alongside the page, never as a fetch failure.
type RecordError struct {
	ProviderMessageID string
	Err               error
}

// FetchPage is one page of a forward-only fetch. NextCursor is opaque to
// everything except the adapter that produced it.
type FetchPage struct {
	Messages   []*IncomingMessage
	Errors     []RecordError
	NextCursor string
	HasMore    bool
}

type FlagUpdate struct {
	Read    *bool
	Starred *bool
	Spam    *bool
}

type Folder struct {
	Name   string
	Total  uint32
	Unseen uint32
}

// ProviderAdapter is the uniform contract over one external mail provider.
// Every returned error is already classified Transient or Terminal at the
// adapter boundary; the orchestrator never sees raw provider errors.
// Mutating calls are independently retryable.
type ProviderAdapter interface {
	TestConnection(ctx context.Context) error
	FetchMessages(ctx context.Context, cursor string, limit int) (*FetchPage, error)
	SendMessage(ctx context.Context, msg *IncomingMessage) error
	SetFlags(ctx context.Context, providerMessageID string, flags FlagUpdate) error
	Move(ctx context.Context, providerMessageID string, folder string) error
	Delete(ctx context.Context, providerMessageID string) error
	ListFolders(ctx context.Context) ([]Folder, error)
	Close() error
}
