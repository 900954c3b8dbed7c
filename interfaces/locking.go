package interfaces

import (
	"context"
	"time"
)

// AccountLocker is the single keyed lease abstraction shared by the sync
// orchestrator (job serialization) and the credential manager (refresh
// serialization). Sharing one lock keyed by account id is what prevents
// deadlock between the two use sites.
type AccountLocker interface {
	// TryAcquire claims the lease for key on behalf of owner. Acquiring a
	// lease already held by the same owner succeeds (reentrant) so a syncing
	// worker can refresh credentials mid-job.
	TryAcquire(key string, owner string, ttl time.Duration) bool

	// Acquire blocks until the lease is obtained or ctx is done. A racer
	// that loses a credential refresh race waits here and then reuses the
	// winner's result.
	Acquire(ctx context.Context, key string, owner string, ttl time.Duration) error

	// Release drops the lease if owner still holds it; a stale holder whose
	// lease expired and was taken over releases nothing.
	Release(key string, owner string)

	// Holder returns the current live owner of key, or "" if unheld.
	Holder(key string) string
}
