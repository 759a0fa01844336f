// Package lease provides short-lived exclusive locks on runs. A worker holds
// a run's lease for as long as it drives the run and renews it as it goes; a
// lease that lapses marks the run as abandoned and open to takeover.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// DefaultTTL bounds how long a crashed holder can block a run.
const DefaultTTL = 30 * time.Second

// Locker grants exclusive leases on keys.
type Locker interface {
	// Acquire takes the lease on key for ttl. It returns a Conflict error when
	// another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Renew extends a held lease to ttl from now. It returns a Conflict error
	// when another holder has taken the key.
	Renew(ctx context.Context, l *Lease, ttl time.Duration) error
	// Release gives up a lease. Releasing an expired or stolen lease is a no-op.
	Release(ctx context.Context, l *Lease) error
}

// Lease is a held lock. Token identifies the holder.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

func held(key string) *schema.OrchestratorError {
	return schema.NewErrorf(schema.ErrCodeConflict, "lease %s is held by another worker", key)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]Lease), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.ExpiresAt) {
		return nil, held(key)
	}
	l := Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.leases[key] = l
	return &l, nil
}

func (m *MemoryLocker) Renew(_ context.Context, l *Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[l.Key]
	if !ok || cur.Token != l.Token {
		return held(l.Key)
	}
	cur.ExpiresAt = m.now().Add(ttl)
	m.leases[l.Key] = cur
	l.ExpiresAt = cur.ExpiresAt
	return nil
}

func (m *MemoryLocker) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[l.Key]; ok && cur.Token == l.Token {
		delete(m.leases, l.Key)
	}
	return nil
}
