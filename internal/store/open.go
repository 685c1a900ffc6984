package store

import (
	"context"
	"strings"

	"gradcafe/ingest/internal/db"
)

// sqlitePrefix selects the embedded backend, e.g. "sqlite:/var/lib/ingest.db".
const sqlitePrefix = "sqlite:"

// Open connects to the backend named by databaseURL and ensures the schema.
func Open(ctx context.Context, databaseURL string, policy Policy) (Store, error) {
	var s Store
	if dsn, ok := strings.CutPrefix(databaseURL, sqlitePrefix); ok {
		sqlDB, err := db.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		s = NewSQLite(sqlDB, policy)
	} else {
		pool, err := db.NewPostgresPool(ctx, databaseURL, 0)
		if err != nil {
			return nil, err
		}
		s = NewPostgres(pool, policy)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
