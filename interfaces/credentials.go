package interfaces

import (
	"context"
	"time"
)

// CredentialSnapshot is the secret material for one account at one point in
// time. Version increases monotonically on every refresh so racing workers
// can detect that someone else already rotated the credential.
type CredentialSnapshot struct {
	AccountID    string    `json:"accountId"`
	Version      int64     `json:"version"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
	ServerHost   string    `json:"serverHost,omitempty"`
	ServerPort   int       `json:"serverPort,omitempty"`
	SMTPHost     string    `json:"smtpHost,omitempty"`
	SMTPPort     int       `json:"smtpPort,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenExpiry  time.Time `json:"tokenExpiry,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
}

// SecretStore is the external vault contract.
type SecretStore interface {
	Read(ctx context.Context, accountID string) (*CredentialSnapshot, error)
	Write(ctx context.Context, accountID string, snapshot *CredentialSnapshot) error
}

// CredentialManager owns in-flight credential state during a sync.
type CredentialManager interface {
	Get(ctx context.Context, accountID string) (*CredentialSnapshot, error)

	// RefreshExpired performs at most one refresh-and-persist cycle for the
	// given stale snapshot. A racer that arrives second waits and reuses the
	// first refresh instead of double-refreshing. The owner token must be the
	// same one holding the account lease, keeping refresh reentrant for the
	// syncing worker.
	RefreshExpired(ctx context.Context, accountID string, owner string, seenVersion int64) (*CredentialSnapshot, error)
}
