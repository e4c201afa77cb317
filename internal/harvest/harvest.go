// Package harvest obtains the one-table bearer token by opening the portal in
// a background tab and waiting for the page to report the token it stored.
//
// Concurrent callers share one harvest. Attempts are rate limited: inside the
// cooldown window a stale token is returned if one exists.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/kvstore"
	"github.com/rsclarke/portalgate/internal/logging"
	"github.com/rsclarke/portalgate/internal/metrics"
)

var (
	ErrRateLimited    = errors.New("token harvest rate limited")
	ErrHarvestTimeout = errors.New("token harvest timed out")
	ErrNoToken        = errors.New("harvest signalled but no token stored")
)

// Opener opens browser tabs. It is satisfied by browser.Tabs.
type Opener interface {
	Open(ctx context.Context, rawURL string, active bool) (string, error)
}

type Config struct {
	SourceURL string
	Timeout   time.Duration
	Cooldown  time.Duration
}

type Harvester struct {
	store  kvstore.Store
	tabs   Opener
	signal *events.Bus[events.TokenHarvested]
	cfg    Config
	logger *zap.Logger

	group singleflight.Group
	now   func() time.Time
}

func New(store kvstore.Store, tabs Opener, signal *events.Bus[events.TokenHarvested], cfg Config, logger *zap.Logger) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		store:  store,
		tabs:   tabs,
		signal: signal,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// GetToken returns the stored token if it was acquired less than maxAge ago.
// A maxAge of zero never returns a token.
func (h *Harvester) GetToken(ctx context.Context, maxAge time.Duration) (string, bool, error) {
	token, ok, err := kvstore.String(ctx, h.store, kvstore.KeyToken)
	if err != nil || !ok {
		return "", false, err
	}
	acquired, ok, err := kvstore.Int64(ctx, h.store, kvstore.KeyTokenTime)
	if err != nil || !ok {
		return "", false, err
	}
	if h.now().Sub(time.UnixMilli(acquired)) >= maxAge {
		return "", false, nil
	}
	return token, true, nil
}

// WaitForToken harvests a token, joining an in-flight harvest if there is
// one. Cancelling ctx returns early but does not stop the shared harvest.
func (h *Harvester) WaitForToken(ctx context.Context) (string, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := h.group.DoChan("harvest", func() (any, error) {
		return h.harvest(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate forgets the stored token. It is safe to call repeatedly.
func (h *Harvester) Invalidate(ctx context.Context) error {
	if err := h.store.Remove(ctx, kvstore.KeyToken, kvstore.KeyTokenTime); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	h.logger.Info("token invalidated")
	return nil
}

// Persist stores token with the current time as its acquisition time.
func (h *Harvester) Persist(ctx context.Context, token string) error {
	err := h.store.Set(ctx, map[string]any{
		kvstore.KeyToken:     token,
		kvstore.KeyTokenTime: h.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

func (h *Harvester) harvest(ctx context.Context) (string, error) {
	log := h.logger.With(logging.Flow("harvest"))
	start := h.now()

	last, ok, err := kvstore.Int64(ctx, h.store, kvstore.KeyHarvestLastTime)
	if err != nil {
		return "", fmt.Errorf("read last harvest time: %w", err)
	}
	if ok && start.Sub(time.UnixMilli(last)) < h.cfg.Cooldown {
		stale, ok, err := kvstore.String(ctx, h.store, kvstore.KeyToken)
		if err != nil {
			return "", err
		}
		metrics.Flow("harvest", "rate_limited")
		if ok {
			log.Debug("harvest rate limited, returning stored token")
			return stale, nil
		}
		log.Info("harvest rate limited and no token stored")
		return "", ErrRateLimited
	}

	if err := h.store.Set(ctx, map[string]any{kvstore.KeyHarvestLastTime: start.UnixMilli()}); err != nil {
		return "", fmt.Errorf("record harvest attempt: %w", err)
	}

	sub := h.signal.Subscribe(nil)

	tabURL, err := SilentURL(h.cfg.SourceURL)
	if err != nil {
		sub.Cancel()
		return "", err
	}
	tabID, err := h.tabs.Open(ctx, tabURL, false)
	if err != nil {
		sub.Cancel()
		metrics.Flow("harvest", "error")
		return "", fmt.Errorf("open harvest tab: %w", err)
	}
	log.Info("harvest tab opened", logging.TabID(tabID), logging.URL(tabURL))

	if _, err := sub.Wait(ctx, h.cfg.Timeout); err != nil {
		if errors.Is(err, events.ErrTimeout) {
			metrics.Flow("harvest", "timeout")
			log.Warn("harvest timed out", logging.TabID(tabID), logging.Elapsed(h.now().Sub(start)))
			return "", ErrHarvestTimeout
		}
		return "", err
	}

	token, ok, err := kvstore.String(ctx, h.store, kvstore.KeyToken)
	if err != nil {
		return "", err
	}
	if !ok {
		metrics.Flow("harvest", "error")
		return "", ErrNoToken
	}
	metrics.Flow("harvest", "ok")
	log.Info("token harvested", logging.Elapsed(h.now().Sub(start)))
	return token, nil
}

// SilentURL marks a token source URL so the tab is recognised as a silent
// harvest and closed once the token is reported.
func SilentURL(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse token source url: %w", err)
	}
	q := u.Query()
	q.Set("silent_harvest", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
