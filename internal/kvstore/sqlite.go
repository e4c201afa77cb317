package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rsclarke/portalgate/internal/db"
)

// SQLiteStore persists values in the kv table of the daemon database.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLite(d *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: d}
}

func (s *SQLiteStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return db.GetValues(s.DB, keys...)
}

func (s *SQLiteStore) Set(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.SetValues(s.DB, values)
}

func (s *SQLiteStore) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.DeleteValues(s.DB, keys...)
}
