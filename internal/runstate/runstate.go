// Package runstate tracks whether an ingest run is active and how the last
// one ended.
//
// The active flag is a lease with a TTL rather than a boolean: the holder
// renews it while the run progresses, and a holder that crashes simply lets
// it expire. No teardown path is needed to clear a stuck flag.
package runstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Renew when the lease expired or was taken over.
var ErrNotHeld = errors.New("run lease not held")

// Lease is a mutual-exclusion token with expiry.
type Lease interface {
	// Acquire takes the lease for ttl. ok is false if another holder has it.
	Acquire(ctx context.Context, ttl time.Duration) (token string, ok bool, err error)
	// Renew extends the lease. It returns ErrNotHeld if token no longer owns it.
	Renew(ctx context.Context, token string, ttl time.Duration) error
	// Release drops the lease if token still owns it.
	Release(ctx context.Context, token string) error
	// Held reports whether any holder currently owns the lease.
	Held(ctx context.Context) (bool, error)
}

// LastRun summarises the most recent finished run.
type LastRun struct {
	Added int       `json:"added"`
	At    time.Time `json:"at"`
	Err   string    `json:"error,omitempty"`
}

// Stats persists LastRun.
type Stats interface {
	Record(ctx context.Context, run LastRun) error
	// Last returns the stored run; ok is false before the first run.
	Last(ctx context.Context) (run LastRun, ok bool, err error)
}

// Memory implements Lease and Stats in process. It backs tests and
// single-process deployments without Redis.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	token   string
	expires time.Time
	last    *LastRun
}

var (
	_ Lease = (*Memory)(nil)
	_ Stats = (*Memory)(nil)
)

// NewMemory returns an unheld lease with no recorded runs.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// WithClock replaces the time source; tests use it to expire leases.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) heldLocked() bool {
	return m.token != "" && m.now().Before(m.expires)
}

func (m *Memory) Acquire(_ context.Context, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heldLocked() {
		return "", false, nil
	}
	m.token = uuid.NewString()
	m.expires = m.now().Add(ttl)
	return m.token, true, nil
}

func (m *Memory) Renew(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.heldLocked() || m.token != token {
		return ErrNotHeld
	}
	m.expires = m.now().Add(ttl)
	return nil
}

func (m *Memory) Release(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.token = ""
	}
	return nil
}

func (m *Memory) Held(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heldLocked(), nil
}

func (m *Memory) Record(_ context.Context, run LastRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &run
	return nil
}

func (m *Memory) Last(context.Context) (LastRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return LastRun{}, false, nil
	}
	return *m.last, true, nil
}
