package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gradcafe/ingest/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS admissions (
	   id             BIGSERIAL PRIMARY KEY,
	   url            TEXT NOT NULL UNIQUE,
	   program        TEXT,
	   university     TEXT,
	   degree         TEXT,
	   status         TEXT,
	   term           TEXT,
	   decision_date  DATE,
	   citizenship    TEXT NOT NULL DEFAULT 'Unknown',
	   gpa            DOUBLE PRECISION,
	   gre_quant      DOUBLE PRECISION,
	   gre_verbal     DOUBLE PRECISION,
	   gre_writing    DOUBLE PRECISION,
	   notes          TEXT,
	   raw_data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	   source         TEXT NOT NULL,
	   marker         BIGINT NOT NULL,
	   deliveries     INTEGER NOT NULL DEFAULT 1,
	   created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	   updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	 )`,
	`CREATE INDEX IF NOT EXISTS idx_admissions_decision_date ON admissions (decision_date)`,
	`CREATE TABLE IF NOT EXISTS ingestion_watermarks (
	   source      TEXT PRIMARY KEY,
	   marker      BIGINT NOT NULL,
	   updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	 )`,
}

const postgresInsert = `
	INSERT INTO admissions (
	  url, program, university, degree, status, term, decision_date, citizenship,
	  gpa, gre_quant, gre_verbal, gre_writing, notes, raw_data, source, marker
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16)`

const postgresOnConflictRefresh = `
	ON CONFLICT (url) DO UPDATE SET
	  program       = EXCLUDED.program,
	  university    = EXCLUDED.university,
	  degree        = EXCLUDED.degree,
	  status        = EXCLUDED.status,
	  term          = EXCLUDED.term,
	  decision_date = EXCLUDED.decision_date,
	  citizenship   = EXCLUDED.citizenship,
	  gpa           = EXCLUDED.gpa,
	  gre_quant     = EXCLUDED.gre_quant,
	  gre_verbal    = EXCLUDED.gre_verbal,
	  gre_writing   = EXCLUDED.gre_writing,
	  notes         = EXCLUDED.notes,
	  raw_data      = EXCLUDED.raw_data,
	  source        = EXCLUDED.source,
	  marker        = EXCLUDED.marker,
	  deliveries    = admissions.deliveries + 1,
	  updated_at    = NOW()
	WHERE admissions.marker <= EXCLUDED.marker
	RETURNING deliveries`

const postgresOnConflictSkip = `
	ON CONFLICT (url) DO UPDATE SET deliveries = admissions.deliveries + 1
	RETURNING deliveries`

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	policy Policy
}

var _ Store = (*Postgres)(nil)

// NewPostgres returns a Store using pool with the given conflict policy.
func NewPostgres(pool *pgxpool.Pool, policy Policy) *Postgres {
	return &Postgres{pool: pool, policy: policy}
}

// EnsureSchema creates both tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts rec or resolves the conflict according to the policy, in a
// single statement.
func (p *Postgres) Upsert(ctx context.Context, rec model.CandidateRecord, source string, marker int64) (Result, error) {
	if rec.URL == "" {
		return 0, fmt.Errorf("upsert: %w: empty url", ErrPermanent)
	}

	query := postgresInsert + postgresOnConflictRefresh
	if p.policy == PolicySkip {
		query = postgresInsert + postgresOnConflictSkip
	}

	var deliveries int
	err := p.pool.QueryRow(ctx, query,
		rec.URL, nullable(rec.Program), nullable(rec.University), nullable(rec.Degree),
		nullable(string(rec.Status)), nullable(rec.Term), rec.DecisionDate, string(rec.Citizenship),
		rec.GPA, rec.GREQuant, rec.GREVerbal, rec.GREWriting, nullable(rec.Notes),
		rawOrEmpty(rec), source, marker,
	).Scan(&deliveries)
	if errors.Is(err, pgx.ErrNoRows) {
		// The stored row came from a newer marker; nothing was written.
		return Duplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", rec.URL, err)
	}
	return resultFor(deliveries, p.policy), nil
}

// Lookup returns the stored entity for url.
func (p *Postgres) Lookup(ctx context.Context, url string) (*Entity, error) {
	var (
		e                         Entity
		program, university, stat *string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT url, program, university, status, gpa, source, marker, deliveries
		 FROM admissions WHERE url = $1`,
		url,
	).Scan(&e.URL, &program, &university, &stat, &e.GPA, &e.Source, &e.Marker, &e.Deliveries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", url, err)
	}
	e.Program, e.University, e.Status = deref(program), deref(university), deref(stat)
	return &e, nil
}

// Count returns the number of stored entities.
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admissions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count admissions: %w", err)
	}
	return n, nil
}

// Watermark returns the stored watermark for source.
func (p *Postgres) Watermark(ctx context.Context, source string) (Watermark, bool, error) {
	wm := Watermark{Source: source}
	err := p.pool.QueryRow(ctx,
		`SELECT marker, updated_at FROM ingestion_watermarks WHERE source = $1`,
		source,
	).Scan(&wm.Marker, &wm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("read watermark %s: %w", source, err)
	}
	return wm, true, nil
}

// Advance is a compare-and-set: the row changes only when marker is greater
// than the stored value.
func (p *Postgres) Advance(ctx context.Context, source string, marker int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO ingestion_watermarks (source, marker, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (source) DO UPDATE
		 SET marker = EXCLUDED.marker, updated_at = NOW()
		 WHERE ingestion_watermarks.marker < EXCLUDED.marker`,
		source, marker,
	)
	if err != nil {
		return false, fmt.Errorf("advance watermark %s: %w", source, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reset overwrites or deletes the watermark for source.
func (p *Postgres) Reset(ctx context.Context, source string, marker int64) error {
	var err error
	if marker <= 0 {
		_, err = p.pool.Exec(ctx, `DELETE FROM ingestion_watermarks WHERE source = $1`, source)
	} else {
		_, err = p.pool.Exec(ctx,
			`INSERT INTO ingestion_watermarks (source, marker, updated_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (source) DO UPDATE SET marker = EXCLUDED.marker, updated_at = NOW()`,
			source, marker,
		)
	}
	if err != nil {
		return fmt.Errorf("reset watermark %s: %w", source, err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }
