package locking

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/internal/utils"
)

// LeaseManager is an in-process keyed lease. Each key has at most one live
// owner; leases expire after their TTL so a crashed or stalled holder never
// wedges its account. Re-acquiring a key already held by the same owner
// succeeds and stacks, which lets a syncing worker take the credential
// refresh path without deadlocking on its own account lock.
type LeaseManager struct {
	mu     sync.Mutex
	leases map[string]*lease
	now    func() time.Time
}

type lease struct {
	owner     string
	depth     int
	expiresAt time.Time
}

func NewLeaseManager() *LeaseManager {
	return &LeaseManager{
		leases: make(map[string]*lease),
		now:    utils.Now,
	}
}

func (m *LeaseManager) TryAcquire(key string, owner string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.leases[key]
	if held && current.owner != owner && m.now().Before(current.expiresAt) {
		return false
	}

	if held && current.owner == owner && m.now().Before(current.expiresAt) {
		current.depth++
		current.expiresAt = m.now().Add(ttl)
		return true
	}

	// Unheld, or the previous lease expired and is taken over.
	m.leases[key] = &lease{
		owner:     owner,
		depth:     1,
		expiresAt: m.now().Add(ttl),
	}
	return true
}

// Acquire blocks until the lease is obtained or ctx is done.
func (m *LeaseManager) Acquire(ctx context.Context, key string, owner string, ttl time.Duration) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.TryAcquire(key, owner, ttl) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for lease on "+key)
		case <-ticker.C:
		}
	}
}

func (m *LeaseManager) Release(key string, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.leases[key]
	if !held || current.owner != owner {
		return
	}
	if m.now().After(current.expiresAt) {
		// Expired lease; whoever took over owns the key now.
		delete(m.leases, key)
		return
	}
	current.depth--
	if current.depth <= 0 {
		delete(m.leases, key)
	}
}

func (m *LeaseManager) Holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.leases[key]
	if !held || m.now().After(current.expiresAt) {
		return ""
	}
	return current.owner
}
