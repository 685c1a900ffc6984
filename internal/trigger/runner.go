// Package trigger starts publish runs on demand and reports pipeline status.
//
// At most one run per source is active at a time, across all publisher
// replicas. The guard is a runstate.Lease renewed by a heartbeat while the
// run progresses; if the process dies the lease expires on its own.
//
// Routes:
//
//	POST /ingest[?limit=N]   → start a publish run (202, 409 busy, 503 aborted)
//	GET  /status             → Status
//	POST /watermark/reset    → {"marker": N}; N <= 0 clears it (operator)
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gradcafe/ingest/internal/metrics"
	"gradcafe/ingest/internal/runstate"
	"gradcafe/ingest/internal/store"
)

const defaultLeaseTTL = 30 * time.Second

// Ingester publishes new records for one source.
type Ingester interface {
	Source() string
	PublishNew(ctx context.Context, limit int) (int, error)
}

// Result is what the caller of a run sees. Per-record failures are logged or
// dead-lettered, never returned here.
type Result struct {
	Published int  `json:"published"`
	Busy      bool `json:"busy"`
}

// Status is the operator view of the pipeline.
type Status struct {
	Source       string     `json:"source"`
	InFlight     bool       `json:"inFlight"`
	LastAdded    int        `json:"lastAdded"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	Watermark    int64      `json:"watermark"`
	TotalRecords int64      `json:"totalRecords"`
}

// Runner serialises publish runs behind a lease.
type Runner struct {
	ing        Ingester
	lease      runstate.Lease
	stats      runstate.Stats
	records    store.Records
	watermarks store.Watermarks
	ttl        time.Duration
}

// NewRunner constructs a Runner. ttl <= 0 uses 30s.
func NewRunner(ing Ingester, lease runstate.Lease, stats runstate.Stats, records store.Records, watermarks store.Watermarks, ttl time.Duration) *Runner {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Runner{
		ing:        ing,
		lease:      lease,
		stats:      stats,
		records:    records,
		watermarks: watermarks,
		ttl:        ttl,
	}
}

// IngestNow runs one publish pass of up to limit records. It returns Busy
// without doing anything if another run holds the lease. On failure the
// result still carries the number of records published before it.
func (r *Runner) IngestNow(ctx context.Context, limit int) (Result, error) {
	token, ok, err := r.lease.Acquire(ctx, r.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		return Result{Busy: true}, nil
	}
	metrics.RunInFlight.Set(1)
	defer metrics.RunInFlight.Set(0)

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := r.heartbeat(runCtx, token, cancel)
	defer func() {
		stop()
		cancel(nil)
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer relCancel()
		if err := r.lease.Release(relCtx, token); err != nil {
			slog.Warn("release run lease failed; it will expire", "source", r.ing.Source(), "err", err)
		}
	}()

	n, runErr := r.ing.PublishNew(runCtx, limit)
	if cause := context.Cause(runCtx); runErr != nil && errors.Is(cause, runstate.ErrNotHeld) {
		runErr = fmt.Errorf("%w (%w)", runErr, cause)
	}

	last := runstate.LastRun{Added: n, At: time.Now().UTC()}
	if runErr != nil {
		last.Err = runErr.Error()
	}
	statsCtx, statsCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer statsCancel()
	if err := r.stats.Record(statsCtx, last); err != nil {
		slog.Warn("record last run failed", "source", r.ing.Source(), "err", err)
	}

	return Result{Published: n}, runErr
}

// heartbeat renews the lease at a third of its ttl. Losing the lease cancels
// the run so two replicas never publish concurrently for long.
func (r *Runner) heartbeat(ctx context.Context, token string, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tick := time.NewTicker(r.ttl / 3)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				err := r.lease.Renew(ctx, token, r.ttl)
				if errors.Is(err, runstate.ErrNotHeld) {
					slog.Error("run lease lost; aborting run", "source", r.ing.Source())
					cancel(err)
					return
				}
				if err != nil {
					slog.Warn("renew run lease failed", "source", r.ing.Source(), "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// Status gathers the lease state, last run, watermark and row count.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	st := Status{Source: r.ing.Source()}

	held, err := r.lease.Held(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("lease state: %w", err)
	}
	st.InFlight = held

	last, ok, err := r.stats.Last(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("last run: %w", err)
	}
	if ok {
		st.LastAdded = last.Added
		st.LastError = last.Err
		at := last.At
		st.LastRunAt = &at
	}

	wm, ok, err := r.watermarks.Watermark(ctx, st.Source)
	if err != nil {
		return Status{}, fmt.Errorf("watermark: %w", err)
	}
	if ok {
		st.Watermark = wm.Marker
	}

	if st.TotalRecords, err = r.records.Count(ctx); err != nil {
		return Status{}, fmt.Errorf("count records: %w", err)
	}
	return st, nil
}

// ResetWatermark overwrites the source's watermark, or deletes it when
// marker <= 0. It takes the run lease first so it cannot race a run.
func (r *Runner) ResetWatermark(ctx context.Context, marker int64) (busy bool, err error) {
	token, ok, err := r.lease.Acquire(ctx, r.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		return true, nil
	}
	defer func() {
		_ = r.lease.Release(context.WithoutCancel(ctx), token)
	}()

	if err := r.watermarks.Reset(ctx, r.ing.Source(), marker); err != nil {
		return false, fmt.Errorf("reset watermark: %w", err)
	}
	metrics.Watermark.WithLabelValues(r.ing.Source()).Set(float64(max(marker, 0)))
	slog.Warn("watermark reset by operator", "source", r.ing.Source(), "marker", marker)
	return false, nil
}
