package runstate_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"gradcafe/ingest/internal/runstate"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryLease_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	m := runstate.NewMemory()

	tok, ok, err := m.Acquire(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%t, %v), want ok", ok, err)
	}
	if _, ok, _ := m.Acquire(ctx, time.Minute); ok {
		t.Fatal("second Acquire succeeded while the lease is held")
	}
	if held, _ := m.Held(ctx); !held {
		t.Error("Held = false while the lease is held")
	}

	if err := m.Release(ctx, tok); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := m.Acquire(ctx, time.Minute); !ok {
		t.Error("Acquire after Release failed")
	}
}

func TestMemoryLease_ExpiresWithoutRenewal(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := runstate.NewMemory().WithClock(clock.now)

	tok, _, _ := m.Acquire(ctx, 30*time.Second)

	clock.advance(20 * time.Second)
	if err := m.Renew(ctx, tok, 30*time.Second); err != nil {
		t.Fatalf("Renew within ttl: %v", err)
	}

	clock.advance(29 * time.Second)
	if held, _ := m.Held(ctx); !held {
		t.Error("lease expired despite renewal")
	}

	clock.advance(2 * time.Second)
	if held, _ := m.Held(ctx); held {
		t.Error("lease still held after ttl elapsed")
	}
	if err := m.Renew(ctx, tok, time.Minute); !errors.Is(err, runstate.ErrNotHeld) {
		t.Errorf("Renew after expiry err = %v, want ErrNotHeld", err)
	}

	newTok, ok, _ := m.Acquire(ctx, time.Minute)
	if !ok {
		t.Fatal("Acquire after expiry failed")
	}
	// A stale holder must not release its successor.
	_ = m.Release(ctx, tok)
	if err := m.Renew(ctx, newTok, time.Minute); err != nil {
		t.Errorf("successor lost the lease to a stale release: %v", err)
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := runstate.NewMemory()

	if _, ok, _ := m.Last(ctx); ok {
		t.Error("Last reported a run before any was recorded")
	}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = m.Record(ctx, runstate.LastRun{Added: 7, At: at, Err: "broker down"})

	run, ok, err := m.Last(ctx)
	if err != nil || !ok {
		t.Fatalf("Last = (%t, %v)", ok, err)
	}
	if run.Added != 7 || !run.At.Equal(at) || run.Err != "broker down" {
		t.Errorf("Last = %+v", run)
	}
}

// The Redis implementation needs a live server; point TEST_REDIS_URL at a
// disposable database to run it.
func TestRedis_LeaseAndStats(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	r := runstate.NewRedis(rdb, "test-"+t.Name())
	t.Cleanup(func() {
		rdb.Del(ctx, "ingest:test-"+t.Name()+":lease", "ingest:test-"+t.Name()+":last_run")
	})

	tok, ok, err := r.Acquire(ctx, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire = (%t, %v)", ok, err)
	}
	if _, ok, _ := r.Acquire(ctx, 5*time.Second); ok {
		t.Fatal("second Acquire succeeded")
	}
	if err := r.Renew(ctx, "someone-else", time.Second); !errors.Is(err, runstate.ErrNotHeld) {
		t.Errorf("Renew with foreign token err = %v, want ErrNotHeld", err)
	}
	if err := r.Renew(ctx, tok, 5*time.Second); err != nil {
		t.Errorf("Renew: %v", err)
	}
	if err := r.Release(ctx, tok); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if held, _ := r.Held(ctx); held {
		t.Error("Held after Release")
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := r.Record(ctx, runstate.LastRun{Added: 3, At: at}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	run, ok, err := r.Last(ctx)
	if err != nil || !ok || run.Added != 3 || !run.At.Equal(at) {
		t.Errorf("Last = (%+v, %t, %v)", run, ok, err)
	}
}
