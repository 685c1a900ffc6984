// Package store persists admissions records and ingestion watermarks.
//
// Two tables back the pipeline:
//
//	admissions            one row per dedup key (source URL), UNIQUE(url)
//	ingestion_watermarks  one row per source, last durably ingested marker
//
// All writers go through a single INSERT ... ON CONFLICT statement, so
// concurrent or repeated delivery of the same key can never produce a second
// row. Postgres is the production backend; SQLite serves single-node runs and
// tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gradcafe/ingest/internal/model"
)

// Policy selects what happens when a key that is already stored arrives again.
type Policy string

const (
	// PolicySkip leaves the stored row untouched and only counts the delivery.
	PolicySkip Policy = "skip"
	// PolicyRefresh overwrites non-key fields, unless the stored row came
	// from a newer marker than the incoming one.
	PolicyRefresh Policy = "refresh"
)

// ParsePolicy converts a raw config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicySkip, PolicyRefresh:
		return p, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want skip or refresh)", s)
}

// Result reports what an upsert did.
type Result int

const (
	Inserted Result = iota + 1
	Refreshed
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Refreshed:
		return "refreshed"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// resultFor maps the delivery counter returned by the upsert to a Result.
func resultFor(deliveries int, policy Policy) Result {
	switch {
	case deliveries <= 1:
		return Inserted
	case policy == PolicyRefresh:
		return Refreshed
	default:
		return Duplicate
	}
}

// Entity is the stored view of a record.
type Entity struct {
	URL        string
	Program    string
	University string
	Status     string
	GPA        *float64
	Source     string
	Marker     int64
	Deliveries int
}

// Watermark is the last marker known to be fully processed for a source.
type Watermark struct {
	Source    string
	Marker    int64
	UpdatedAt time.Time
}

// Records is the relational store of admissions entries.
type Records interface {
	Upsert(ctx context.Context, rec model.CandidateRecord, source string, marker int64) (Result, error)
	Lookup(ctx context.Context, url string) (*Entity, error)
	Count(ctx context.Context) (int64, error)
}

// Watermarks is the per-source resumption state.
type Watermarks interface {
	// Watermark returns the stored watermark; ok is false when the source
	// has never been ingested.
	Watermark(ctx context.Context, source string) (wm Watermark, ok bool, err error)
	// Advance stores marker only when it is greater than the current value.
	// It reports whether the stored value changed.
	Advance(ctx context.Context, source string, marker int64) (bool, error)
	// Reset overwrites the watermark unconditionally. A marker <= 0 deletes
	// it. Operator use only.
	Reset(ctx context.Context, source string, marker int64) error
}

// Store is a backend implementing both tables.
type Store interface {
	Records
	Watermarks
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// ErrNotFound is returned by Lookup for an unknown key.
var ErrNotFound = errors.New("record not found")

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rawOrEmpty(rec model.CandidateRecord) string {
	if len(rec.Raw) == 0 {
		return "{}"
	}
	return string(rec.Raw)
}
