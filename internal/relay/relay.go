// Package relay lifts the one-table token out of a portal tab's web storage
// and reports it, standing in for the page script the portal tab would
// otherwise need.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/logging"
)

const storageKey = "OnetableToken"

// Storage areas probed, in order.
const (
	SessionStorage = "sessionStorage"
	LocalStorage   = "localStorage"
)

var (
	ErrNotFound  = errors.New("token not found in tab storage")
	ErrMalformed = errors.New("stored token value is malformed")
)

// Probe reads one web-storage item from a tab. ok is false when the item is
// absent.
type Probe interface {
	StorageItem(ctx context.Context, tabID, area, key string) (value string, ok bool, err error)
}

// Persister stores a harvested token. It is satisfied by harvest.Harvester.
type Persister interface {
	Persist(ctx context.Context, token string) error
}

// Notify reports a stored token on behalf of the tab it came from.
type Notify func(ctx context.Context, tabID, tabURL string)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

type Relay struct {
	probe  Probe
	tokens Persister
	notify Notify
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	watching map[string]bool
}

func New(probe Probe, tokens Persister, notify Notify, cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	return &Relay{
		probe:    probe,
		tokens:   tokens,
		notify:   notify,
		cfg:      cfg,
		logger:   logger,
		watching: make(map[string]bool),
	}
}

// Watch polls the tab's storage until the token appears, the attempts run
// out or ctx ends. A tab already being watched returns nil immediately.
func (r *Relay) Watch(ctx context.Context, tabID, tabURL string) error {
	r.mu.Lock()
	if r.watching[tabID] {
		r.mu.Unlock()
		return nil
	}
	r.watching[tabID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.watching, tabID)
		r.mu.Unlock()
	}()

	log := r.logger.With(logging.TabID(tabID))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		raw, ok, err := r.read(ctx, tabID)
		if err != nil {
			// The tab may have navigated or closed; the next tick retries.
			log.Debug("storage probe failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		token, err := parseToken(raw)
		if err != nil {
			log.Warn("discarding stored token", zap.Error(err))
			return err
		}
		if err := r.tokens.Persist(ctx, token); err != nil {
			return err
		}
		log.Info("token relayed", zap.Int("attempt", attempt))
		if r.notify != nil {
			r.notify(ctx, tabID, tabURL)
		}
		return nil
	}

	log.Warn("token never appeared in tab storage", zap.Int("attempts", r.cfg.MaxAttempts))
	return ErrNotFound
}

func (r *Relay) read(ctx context.Context, tabID string) (string, bool, error) {
	for _, area := range []string{SessionStorage, LocalStorage} {
		v, ok, err := r.probe.StorageItem(ctx, tabID, area, storageKey)
		if err != nil {
			return "", false, err
		}
		if ok && v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

func parseToken(raw string) (string, error) {
	var blob struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if blob.Token == "" {
		return "", fmt.Errorf("%w: empty token field", ErrMalformed)
	}
	return blob.Token, nil
}
