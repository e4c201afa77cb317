package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GetValues returns the stored JSON value for each key that exists.
// Missing keys are absent from the result.
func GetValues(d *sql.DB, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := "SELECT key, value FROM kv WHERE key IN (" + placeholders(len(keys)) + ")"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query kv: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// SetValues JSON-encodes and upserts every entry in one transaction.
func SetValues(d *sql.DB, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	encoded := make(map[string]string, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = string(b)
	}

	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for k, v := range encoded {
		_, err := tx.Exec(`
			INSERT INTO kv (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, v, now)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// DeleteValues removes the given keys. Keys that do not exist are ignored.
func DeleteValues(d *sql.DB, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := d.Exec("DELETE FROM kv WHERE key IN ("+placeholders(len(keys))+")", args...)
	if err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
