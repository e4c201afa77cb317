// Package kvstore is the daemon's persisted key-value storage.
//
// Values are stored as JSON so the same keys can be read by the dashboard
// through the message API without translation.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a small JSON key-value store. Set writes all entries atomically and
// Remove ignores keys that are not present.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]any) error
	Remove(ctx context.Context, keys ...string) error
}

// Decode reads key into out. It reports false when the key is absent.
func Decode(ctx context.Context, s Store, key string, out any) (bool, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok || isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// String returns key as a string. Empty strings count as absent.
func String(ctx context.Context, s Store, key string) (string, bool, error) {
	var v string
	ok, err := Decode(ctx, s, key, &v)
	if err != nil || !ok || v == "" {
		return "", false, err
	}
	return v, true, nil
}

// Int64 returns key as an integer, typically an epoch-millisecond timestamp.
func Int64(ctx context.Context, s Store, key string) (int64, bool, error) {
	var v int64
	ok, err := Decode(ctx, s, key, &v)
	return v, ok, err
}

// Bool returns key as a boolean; absent keys are false.
func Bool(ctx context.Context, s Store, key string) (bool, error) {
	var v bool
	_, err := Decode(ctx, s, key, &v)
	return v, err
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
