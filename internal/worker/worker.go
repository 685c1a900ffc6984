// Package worker consumes envelopes from the broker and persists them.
//
// Each delivery goes through
//
//	decode → normalise → upsert → advance watermark → ack
//
// and leaves in exactly one of three ways: acked after the store commit,
// nacked with requeue on a transient failure, or nacked without requeue
// (dead-lettered) when it can never succeed. A crash anywhere before the ack
// leaves the message unacknowledged; the broker redelivers it and the upsert
// absorbs the repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"gradcafe/ingest/internal/broker"
	"gradcafe/ingest/internal/envelope"
	"gradcafe/ingest/internal/metrics"
	"gradcafe/ingest/internal/model"
	"gradcafe/ingest/internal/store"
)

const (
	defaultOpTimeout  = 10 * time.Second
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	defaultMinHold    = 250 * time.Millisecond
	defaultMaxHold    = 5 * time.Second
)

// Outcome is how a delivery was settled.
type Outcome int

const (
	// Acked: stored, watermark advanced, acknowledged.
	Acked Outcome = iota + 1
	// Requeued: transient failure, returned to the queue.
	Requeued
	// DeadLettered: permanent failure, removed from the retry path.
	DeadLettered
	// Unsettled: the ack or nack itself failed. The broker still owns the
	// message and redelivers it after the channel closes.
	Unsettled
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	case Unsettled:
		return "unsettled"
	}
	return "unknown"
}

// Consumer processes deliveries from one Subscriber. A Consumer is safe to
// Run from several goroutines; each call opens its own subscription.
type Consumer struct {
	sub        broker.Subscriber
	records    store.Records
	watermarks store.Watermarks

	opTimeout  time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	minHold    time.Duration
	maxHold    time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithOpTimeout bounds each store call. A timeout counts as transient.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// WithBackoff sets the resubscribe delay range after a lost subscription.
func WithBackoff(lo, hi time.Duration) Option {
	return func(c *Consumer) {
		if lo > 0 && hi >= lo {
			c.minBackoff, c.maxBackoff = lo, hi
		}
	}
}

// WithRequeueHold sets how long a delivery that failed transiently is held
// before it is requeued. The hold starts at lo and doubles up to hi while
// consecutive deliveries on a subscription keep failing.
func WithRequeueHold(lo, hi time.Duration) Option {
	return func(c *Consumer) {
		if lo >= 0 && hi >= lo {
			c.minHold, c.maxHold = lo, hi
		}
	}
}

// New constructs a Consumer.
func New(sub broker.Subscriber, records store.Records, watermarks store.Watermarks, opts ...Option) *Consumer {
	c := &Consumer{
		sub:        sub,
		records:    records,
		watermarks: watermarks,
		opTimeout:  defaultOpTimeout,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		minHold:    defaultMinHold,
		maxHold:    defaultMaxHold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled, resubscribing with exponential
// backoff whenever the subscription drops. The delivery being handled when
// ctx is cancelled is still settled before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		handled, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if handled > 0 {
			backoff = c.minBackoff
		}
		if err != nil {
			slog.Warn("subscription failed; retrying", "err", err, "backoff", backoff)
		} else {
			slog.Warn("subscription closed by broker; resubscribing", "backoff", backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Consumer) session(ctx context.Context) (int, error) {
	deliveries, err := c.sub.Subscribe(ctx)
	if err != nil {
		return 0, err
	}
	handled := 0
	hold := c.minHold
	for d := range deliveries {
		switch c.process(ctx, d, hold) {
		case Requeued:
			hold = min(hold*2, c.maxHold)
		case Acked, DeadLettered:
			hold = c.minHold
		}
		handled++
	}
	return handled, nil
}

// RunPool runs n consumers, each on its own subscription, and waits for all
// of them to stop.
func RunPool(ctx context.Context, n int, c *Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	for range max(n, 1) {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Handle processes and settles one delivery. Store calls are detached from
// ctx cancellation so a shutdown in the middle of a message still ends in an
// ack or nack; each call is bounded by the op timeout instead. A transient
// failure is requeued at once.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) Outcome {
	return c.process(ctx, d, 0)
}

// process is Handle with a hold before a requeue. With prefetch 1 the broker
// hands a requeued message straight back, so the hold is what paces retries
// during a store outage. Cancelling ctx cuts the hold short.
func (c *Consumer) process(ctx context.Context, d broker.Delivery, hold time.Duration) Outcome {
	start := time.Now()
	stop := ctx.Done()
	ctx = context.WithoutCancel(ctx)

	out := c.handle(ctx, d, hold, stop)
	metrics.MessagesConsumed.WithLabelValues(out.String()).Inc()
	metrics.ProcessSeconds.Observe(time.Since(start).Seconds())
	return out
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery, hold time.Duration, stop <-chan struct{}) Outcome {
	env, err := envelope.Decode(d.Body())
	if err != nil {
		return c.deadLetter(d, "", err)
	}
	log := slog.With("messageId", d.MessageID(), "source", env.Source, "marker", env.Marker)

	rec, issues, err := model.Normalize(env.Record)
	if err != nil {
		return c.deadLetter(d, env.Source, err)
	}
	if len(issues) > 0 {
		fields := make([]string, 0, len(issues))
		for _, is := range issues {
			fields = append(fields, is.Field)
			metrics.DataQualityIssues.WithLabelValues(is.Field).Inc()
		}
		log.Warn("nulled invalid fields", "key", rec.URL, "fields", fields)
	}

	res, err := c.upsert(ctx, rec, env)
	if err != nil {
		if store.IsPermanent(err) {
			return c.deadLetter(d, env.Source, err)
		}
		return c.requeue(d, log, err, hold, stop)
	}
	metrics.Upserts.WithLabelValues(res.String()).Inc()

	advanced, err := c.advance(ctx, env)
	if err != nil {
		// The row is committed; redelivery only repeats the idempotent upsert.
		return c.requeue(d, log, fmt.Errorf("advance watermark: %w", err), hold, stop)
	}
	if advanced {
		metrics.Watermark.WithLabelValues(env.Source).Set(float64(env.Marker))
	}

	if err := d.Ack(); err != nil {
		log.Warn("ack failed; broker will redeliver", "err", err)
		return Unsettled
	}
	log.Debug("record ingested", "key", rec.URL, "result", res.String(), "redelivered", d.Redelivered())
	return Acked
}

func (c *Consumer) upsert(ctx context.Context, rec model.CandidateRecord, env envelope.Envelope) (store.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.records.Upsert(ctx, rec, env.Source, env.Marker)
}

func (c *Consumer) advance(ctx context.Context, env envelope.Envelope) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.watermarks.Advance(ctx, env.Source, env.Marker)
}

func (c *Consumer) requeue(d broker.Delivery, log *slog.Logger, cause error, hold time.Duration, stop <-chan struct{}) Outcome {
	log.Warn("transient failure; requeueing", "err", cause, "hold", hold)
	if hold > 0 {
		t := time.NewTimer(hold)
		select {
		case <-t.C:
		case <-stop:
		}
		t.Stop()
	}
	if err := d.Nack(true); err != nil {
		log.Warn("nack failed; broker will redeliver", "err", err)
		return Unsettled
	}
	return Requeued
}

func (c *Consumer) deadLetter(d broker.Delivery, source string, cause error) Outcome {
	reason := "permanent store failure"
	switch {
	case errors.Is(cause, envelope.ErrMalformed):
		reason = "malformed envelope"
	case errors.Is(cause, model.ErrMissingKey):
		reason = "missing dedup key"
	case !store.IsPermanent(cause):
		reason = "invalid record"
	}
	slog.Error("dead-lettering message", "messageId", d.MessageID(), "source", source, "reason", reason, "err", cause)
	if err := d.Nack(false); err != nil {
		slog.Warn("nack failed; broker will redeliver", "messageId", d.MessageID(), "err", err)
		return Unsettled
	}
	return DeadLettered
}
