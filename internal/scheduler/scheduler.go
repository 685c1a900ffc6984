// Package scheduler wires up the cron job that periodically publishes new
// records for the configured source.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"gradcafe/ingest/internal/trigger"
)

// Trigger starts one publish run. *trigger.Runner satisfies it.
type Trigger interface {
	IngestNow(ctx context.Context, limit int) (trigger.Result, error)
}

// Scheduler wraps robfig/cron. Ticks that land while a run is still active
// (here or on another replica) are skipped, not queued.
type Scheduler struct {
	cron  *cron.Cron
	run   Trigger
	limit int
	spec  string // cron spec, e.g. "@every 15m"
}

// New creates a Scheduler that fires every interval.
func New(run Trigger, limit int, interval time.Duration) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		run:   run,
		limit: limit,
		spec:  fmt.Sprintf("@every %s", interval),
	}
}

// Start registers the job and starts the scheduler. One run also starts
// immediately so a fresh deployment does not wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc(%q): %w", s.spec, err)
	}
	s.cron.Start()
	log.Printf("[scheduler] Cron started, spec: %s", s.spec)

	go s.tick(ctx)
	return nil
}

// Stop stops firing and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[scheduler] Cron stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.run.IngestNow(ctx, s.limit)
	switch {
	case err != nil:
		log.Printf("[scheduler] Ingest run aborted after %d record(s): %v", res.Published, err)
	case res.Busy:
		log.Println("[scheduler] Ingest run already in progress, skipping tick")
	default:
		log.Printf("[scheduler] Published %d record(s)", res.Published)
	}
}
