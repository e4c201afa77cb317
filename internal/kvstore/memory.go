package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Values round-trip through JSON like the
// persistent stores do.
type Memory struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, values map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range encoded {
		m.data[k] = v
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
