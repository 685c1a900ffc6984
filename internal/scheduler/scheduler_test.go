package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"gradcafe/ingest/internal/scheduler"
	"gradcafe/ingest/internal/trigger"
)

type countingTrigger struct {
	mu     sync.Mutex
	calls  int
	limits []int
	busy   bool
}

func (c *countingTrigger) IngestNow(_ context.Context, limit int) (trigger.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.limits = append(c.limits, limit)
	return trigger.Result{Published: 1, Busy: c.busy}, nil
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestScheduler_RunsImmediatelyAndOnEveryTick(t *testing.T) {
	trig := &countingTrigger{}
	s := scheduler.New(trig, 7, time.Second)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for trig.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if n := trig.count(); n < 2 {
		t.Fatalf("IngestNow called %d time(s), want startup run plus at least one tick", n)
	}
	trig.mu.Lock()
	defer trig.mu.Unlock()
	for i, l := range trig.limits {
		if l != 7 {
			t.Errorf("call %d limit = %d, want 7", i, l)
		}
	}
}

func TestScheduler_CancelledContextSkipsRuns(t *testing.T) {
	trig := &countingTrigger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := scheduler.New(trig, 1, time.Second)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	s.Stop()

	if n := trig.count(); n != 0 {
		t.Errorf("IngestNow called %d time(s) after cancel, want 0", n)
	}
}
