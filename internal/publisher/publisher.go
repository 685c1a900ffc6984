// Package publisher moves new records from a Source onto the broker.
//
// The publisher only reads the watermark. Advancing it is the worker's job,
// after the record is stored and the delivery acknowledged, so a publish
// run that dies halfway simply republishes from the same place next time and
// the worker's idempotent upsert absorbs the overlap.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gradcafe/ingest/internal/broker"
	"gradcafe/ingest/internal/envelope"
	"gradcafe/ingest/internal/metrics"
	"gradcafe/ingest/internal/source"
	"gradcafe/ingest/internal/store"
)

const (
	defaultBatch     = 50
	defaultOpTimeout = 10 * time.Second
)

// ErrAborted wraps the cause of a run that stopped before reaching its limit.
var ErrAborted = errors.New("publish run aborted")

// Publisher publishes records of one named source.
type Publisher struct {
	name       string
	src        source.Source
	watermarks store.Watermarks
	out        broker.Publisher

	batch     int
	opTimeout time.Duration
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBatch bounds how many records are held in memory per Fetch.
func WithBatch(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithOpTimeout bounds every individual fetch and publish call.
func WithOpTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.opTimeout = d
		}
	}
}

// New constructs a Publisher.
func New(name string, src source.Source, watermarks store.Watermarks, out broker.Publisher, opts ...Option) *Publisher {
	p := &Publisher{
		name:       name,
		src:        src,
		watermarks: watermarks,
		out:        out,
		batch:      defaultBatch,
		opTimeout:  defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Source returns the name envelopes are published under.
func (p *Publisher) Source() string { return p.name }

// PublishNew publishes up to limit records following the stored watermark and
// returns how many the broker confirmed. On failure the count covers the
// records confirmed before the error, and the error wraps ErrAborted.
func (p *Publisher) PublishNew(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	after, err := p.resumeMarker(ctx)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(p.name, "watermark").Inc()
		return 0, fmt.Errorf("%w: read watermark: %v", ErrAborted, err)
	}

	published := 0
	for published < limit {
		page, err := p.fetch(ctx, after, min(p.batch, limit-published))
		if err != nil {
			metrics.PublishFailures.WithLabelValues(p.name, "fetch").Inc()
			return published, fmt.Errorf("%w: fetch after %d: %w", ErrAborted, after, err)
		}

		for _, rec := range page.Records {
			sent, err := p.publishOne(ctx, rec)
			if err != nil {
				return published, fmt.Errorf("%w: marker %d: %w", ErrAborted, rec.Marker, err)
			}
			if !sent {
				continue
			}
			published++
			metrics.RecordsPublished.WithLabelValues(p.name).Inc()
		}

		if page.Done || page.Next <= after {
			break
		}
		after = page.Next
	}

	slog.Info("publish run finished", "source", p.name, "published", published, "limit", limit)
	return published, nil
}

func (p *Publisher) resumeMarker(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	wm, ok, err := p.watermarks.Watermark(ctx, p.name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return wm.Marker, nil
}

func (p *Publisher) fetch(ctx context.Context, after int64, limit int) (source.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	return p.src.Fetch(ctx, after, limit)
}

func (p *Publisher) publishOne(ctx context.Context, rec source.RawRecord) (bool, error) {
	env := envelope.New(p.name, rec.Marker, rec.Key, rec.Data)
	body, err := envelope.Encode(env)
	if err != nil {
		// Not valid JSON; it could never be decoded downstream.
		metrics.PublishFailures.WithLabelValues(p.name, "encode").Inc()
		slog.Error("dropping unencodable record", "source", p.name, "marker", rec.Marker, "key", rec.Key, "err", err)
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	err = p.out.Publish(ctx, broker.Message{
		ID:          env.ID,
		Body:        body,
		ContentType: envelope.ContentType,
		Timestamp:   env.PublishedAt,
	})
	if err != nil {
		metrics.PublishFailures.WithLabelValues(p.name, "publish").Inc()
		return false, err
	}
	return true, nil
}
