package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gradcafe/ingest/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS admissions (
	   id             INTEGER PRIMARY KEY AUTOINCREMENT,
	   url            TEXT NOT NULL UNIQUE,
	   program        TEXT,
	   university     TEXT,
	   degree         TEXT,
	   status         TEXT,
	   term           TEXT,
	   decision_date  TEXT,
	   citizenship    TEXT NOT NULL DEFAULT 'Unknown',
	   gpa            REAL,
	   gre_quant      REAL,
	   gre_verbal     REAL,
	   gre_writing    REAL,
	   notes          TEXT,
	   raw_data       TEXT NOT NULL DEFAULT '{}',
	   source         TEXT NOT NULL,
	   marker         INTEGER NOT NULL,
	   deliveries     INTEGER NOT NULL DEFAULT 1,
	   created_at     TEXT NOT NULL,
	   updated_at     TEXT NOT NULL
	 )`,
	`CREATE INDEX IF NOT EXISTS idx_admissions_decision_date ON admissions (decision_date)`,
	`CREATE TABLE IF NOT EXISTS ingestion_watermarks (
	   source      TEXT PRIMARY KEY,
	   marker      INTEGER NOT NULL,
	   updated_at  TEXT NOT NULL
	 )`,
}

const sqliteInsert = `
	INSERT INTO admissions (
	  url, program, university, degree, status, term, decision_date, citizenship,
	  gpa, gre_quant, gre_verbal, gre_writing, notes, raw_data, source, marker,
	  created_at, updated_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const sqliteOnConflictRefresh = `
	ON CONFLICT (url) DO UPDATE SET
	  program       = excluded.program,
	  university    = excluded.university,
	  degree        = excluded.degree,
	  status        = excluded.status,
	  term          = excluded.term,
	  decision_date = excluded.decision_date,
	  citizenship   = excluded.citizenship,
	  gpa           = excluded.gpa,
	  gre_quant     = excluded.gre_quant,
	  gre_verbal    = excluded.gre_verbal,
	  gre_writing   = excluded.gre_writing,
	  notes         = excluded.notes,
	  raw_data      = excluded.raw_data,
	  source        = excluded.source,
	  marker        = excluded.marker,
	  deliveries    = admissions.deliveries + 1,
	  updated_at    = excluded.updated_at
	WHERE admissions.marker <= excluded.marker
	RETURNING deliveries`

const sqliteOnConflictSkip = `
	ON CONFLICT (url) DO UPDATE SET deliveries = admissions.deliveries + 1
	RETURNING deliveries`

const sqliteTimeLayout = time.RFC3339Nano

// SQLite is a Store on an embedded database. It mirrors Postgres statement
// for statement.
type SQLite struct {
	db     *sql.DB
	policy Policy
}

var _ Store = (*SQLite)(nil)

// NewSQLite returns a Store using db with the given conflict policy.
func NewSQLite(db *sql.DB, policy Policy) *SQLite {
	return &SQLite{db: db, policy: policy}
}

// EnsureSchema creates both tables if they do not exist.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts rec or resolves the conflict according to the policy.
func (s *SQLite) Upsert(ctx context.Context, rec model.CandidateRecord, source string, marker int64) (Result, error) {
	if rec.URL == "" {
		return 0, fmt.Errorf("upsert: %w: empty url", ErrPermanent)
	}

	query := sqliteInsert + sqliteOnConflictRefresh
	if s.policy == PolicySkip {
		query = sqliteInsert + sqliteOnConflictSkip
	}

	var decided *string
	if rec.DecisionDate != nil {
		d := rec.DecisionDate.Format("2006-01-02")
		decided = &d
	}
	now := time.Now().UTC().Format(sqliteTimeLayout)

	var deliveries int
	err := s.db.QueryRowContext(ctx, query,
		rec.URL, nullable(rec.Program), nullable(rec.University), nullable(rec.Degree),
		nullable(string(rec.Status)), nullable(rec.Term), decided, string(rec.Citizenship),
		rec.GPA, rec.GREQuant, rec.GREVerbal, rec.GREWriting, nullable(rec.Notes),
		rawOrEmpty(rec), source, marker, now, now,
	).Scan(&deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return Duplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", rec.URL, err)
	}
	return resultFor(deliveries, s.policy), nil
}

// Lookup returns the stored entity for url.
func (s *SQLite) Lookup(ctx context.Context, url string) (*Entity, error) {
	var (
		e                         Entity
		program, university, stat *string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, program, university, status, gpa, source, marker, deliveries
		 FROM admissions WHERE url = ?`,
		url,
	).Scan(&e.URL, &program, &university, &stat, &e.GPA, &e.Source, &e.Marker, &e.Deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", url, err)
	}
	e.Program, e.University, e.Status = deref(program), deref(university), deref(stat)
	return &e, nil
}

// Count returns the number of stored entities.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admissions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count admissions: %w", err)
	}
	return n, nil
}

// Watermark returns the stored watermark for source.
func (s *SQLite) Watermark(ctx context.Context, source string) (Watermark, bool, error) {
	var updated string
	wm := Watermark{Source: source}
	err := s.db.QueryRowContext(ctx,
		`SELECT marker, updated_at FROM ingestion_watermarks WHERE source = ?`,
		source,
	).Scan(&wm.Marker, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("read watermark %s: %w", source, err)
	}
	wm.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
	return wm, true, nil
}

// Advance is a compare-and-set on the stored marker.
func (s *SQLite) Advance(ctx context.Context, source string, marker int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_watermarks (source, marker, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (source) DO UPDATE
		 SET marker = excluded.marker, updated_at = excluded.updated_at
		 WHERE ingestion_watermarks.marker < excluded.marker`,
		source, marker, time.Now().UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("advance watermark %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance watermark %s: %w", source, err)
	}
	return n == 1, nil
}

// Reset overwrites or deletes the watermark for source.
func (s *SQLite) Reset(ctx context.Context, source string, marker int64) error {
	var err error
	if marker <= 0 {
		_, err = s.db.ExecContext(ctx, `DELETE FROM ingestion_watermarks WHERE source = ?`, source)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO ingestion_watermarks (source, marker, updated_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (source) DO UPDATE SET marker = excluded.marker, updated_at = excluded.updated_at`,
			source, marker, time.Now().UTC().Format(sqliteTimeLayout),
		)
	}
	if err != nil {
		return fmt.Errorf("reset watermark %s: %w", source, err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database handle.
func (s *SQLite) Close() { _ = s.db.Close() }
