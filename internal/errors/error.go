package errors

import "github.com/pkg/errors"

var (
	// common errors
	ErrAccountNotFound  = errors.New("account not found")
	ErrSyncJobNotFound  = errors.New("sync job not found")
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrLeaseUnavailable = errors.New("account lease held by another owner")

	// sync job errors
	ErrSyncJobNotClaimable = errors.New("sync job is claimed by a live worker")
	ErrDuplicateActiveJob  = errors.New("account already has an active sync job")

	// provider errors
	ErrAuthFailed       = errors.New("provider credentials invalid or revoked")
	ErrPermissionDenied = errors.New("provider permission denied")
	ErrRateLimited      = errors.New("provider rate limit exceeded")
	ErrProviderTimeout  = errors.New("provider request timed out")

	// credential errors
	ErrCredentialNotRefreshable = errors.New("credential type does not support refresh")
	ErrCredentialNotFound       = errors.New("credentials not found in secret store")
)

// ProviderErrorClass is the two-way classification every adapter error is
// reduced to before it reaches the sync orchestrator.
type ProviderErrorClass string

const (
	// ClassTransient covers timeouts, rate limits and provider 5xx; the
	// orchestrator retries these with backoff.
	ClassTransient ProviderErrorClass = "transient"
	// ClassTerminal covers revoked credentials and permission failures;
	// the orchestrator fails the job without retrying.
	ClassTerminal ProviderErrorClass = "terminal"
)

type ProviderError struct {
	Class ProviderErrorClass
	Err   error
}

func (e *ProviderError) Error() string {
	return string(e.Class) + " provider error: " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Class: ClassTransient, Err: err}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Class: ClassTerminal, Err: err}
}

func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class == ClassTransient
	}
	return false
}

func IsTerminal(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class == ClassTerminal
	}
	return false
}

// IsAuth reports whether the failure is credential related, terminal or not.
// The orchestrator uses this to decide between `auth_failed` and leaving the
// account active with a logged error.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrPermissionDenied)
}

// MalformedRecordError marks a single provider record that failed to parse
// during a fetch. It fails that record only, never the fetch.
type MalformedRecordError struct {
	ProviderMessageID string
	Err               error
}

func (e *MalformedRecordError) Error() string {
	return "malformed provider record " + e.ProviderMessageID + ": " + e.Err.Error()
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}
