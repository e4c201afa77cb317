// Package session warms the academic system (JWXT) session by walking the
// portal's SSO redirect chain in a hidden tab.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/kvstore"
	"github.com/rsclarke/portalgate/internal/logging"
	"github.com/rsclarke/portalgate/internal/metrics"
	"github.com/rsclarke/portalgate/internal/models"
)

const closeTimeout = 5 * time.Second

// Tabs opens and closes browser tabs. It is satisfied by browser.Tabs.
type Tabs interface {
	Open(ctx context.Context, rawURL string, active bool) (string, error)
	Close(ctx context.Context, tabID string) error
}

// AppFinder looks up a cached portal application by name.
type AppFinder interface {
	Find(ctx context.Context, name string) (models.App, bool, error)
}

type Config struct {
	SSOBaseURL string
	AppName    string
	Pattern    string
	Timeout    time.Duration
	Cooldown   time.Duration
	MaxAge     time.Duration
}

// Result is the reply to an activation request. RateLimited results are
// optimistic: no tab was opened and readiness was not verified.
type Result struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	RateLimited bool   `json:"rateLimited,omitempty"`
}

type Activator struct {
	store   kvstore.Store
	tabs    Tabs
	apps    AppFinder
	navs    *events.Bus[events.TabUpdated]
	cfg     Config
	pattern *regexp.Regexp
	logger  *zap.Logger

	onReady func(ctx context.Context) error

	group singleflight.Group
	now   func() time.Time
}

func New(store kvstore.Store, tabs Tabs, apps AppFinder, navs *events.Bus[events.TabUpdated], cfg Config, logger *zap.Logger) (*Activator, error) {
	pattern, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile session pattern: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activator{
		store:   store,
		tabs:    tabs,
		apps:    apps,
		navs:    navs,
		cfg:     cfg,
		pattern: pattern,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// OnReady registers fn to run after each successful activation, before the
// result is returned. Errors from fn are logged, not returned.
func (a *Activator) OnReady(fn func(ctx context.Context) error) {
	a.onReady = fn
}

// Activate runs one activation flow, or joins the one in flight.
func (a *Activator) Activate(ctx context.Context) Result {
	flightCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan("activate", func() (any, error) {
		return a.activate(flightCtx), nil
	})

	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{OK: false, Error: ctx.Err().Error()}
	}
}

// CheckReady reports whether a session was activated less than MaxAge ago.
func (a *Activator) CheckReady(ctx context.Context) bool {
	ready, err := kvstore.Bool(ctx, a.store, kvstore.KeySessionReady)
	if err != nil || !ready {
		return false
	}
	at, ok, err := kvstore.Int64(ctx, a.store, kvstore.KeySessionTime)
	if err != nil || !ok {
		return false
	}
	return a.now().Sub(time.UnixMilli(at)) < a.cfg.MaxAge
}

// Reset forgets the ready flag, typically after a request showed the session
// had expired server-side.
func (a *Activator) Reset(ctx context.Context) error {
	return a.store.Remove(ctx, kvstore.KeySessionReady, kvstore.KeySessionTime)
}

// SSOURL returns the portal URL that redirects into the academic system: the
// app's launch URL when the catalog knows it, the portal home otherwise.
func (a *Activator) SSOURL(ctx context.Context) string {
	base := strings.TrimSuffix(a.cfg.SSOBaseURL, "/")
	if a.apps != nil {
		app, ok, err := a.apps.Find(ctx, a.cfg.AppName)
		if err != nil {
			a.logger.Warn("app catalog lookup failed", zap.Error(err))
		}
		if ok && app.Identifier() != "" {
			return base + "/appShow?appId=" + url.QueryEscape(app.Identifier())
		}
	}
	return base + "/new/index.html"
}

func (a *Activator) activate(ctx context.Context) Result {
	res, err := a.run(ctx)
	if err != nil {
		metrics.Flow("activate", "error")
		a.logger.Warn("session activation failed", logging.Flow("activate"), zap.Error(err))
		return Result{OK: false, Error: err.Error()}
	}
	return res
}

func (a *Activator) run(ctx context.Context) (Result, error) {
	log := a.logger.With(logging.Flow("activate"))
	start := a.now()

	last, ok, err := kvstore.Int64(ctx, a.store, kvstore.KeyActivateLastTime)
	if err != nil {
		return Result{}, fmt.Errorf("read last activation time: %w", err)
	}
	if ok && start.Sub(time.UnixMilli(last)) < a.cfg.Cooldown {
		metrics.Flow("activate", "rate_limited")
		log.Debug("activation rate limited")
		return Result{OK: true, RateLimited: true}, nil
	}
	if err := a.store.Set(ctx, map[string]any{kvstore.KeyActivateLastTime: start.UnixMilli()}); err != nil {
		return Result{}, fmt.Errorf("record activation attempt: %w", err)
	}

	ssoURL := a.SSOURL(ctx)

	// The tab id is unknown until Open returns, so earlier matching
	// navigations are accepted from any tab.
	var tabID atomic.Value
	tabID.Store("")
	sub := a.navs.Subscribe(func(ev events.TabUpdated) bool {
		want := tabID.Load().(string)
		return (want == "" || ev.TabID == want) && a.pattern.MatchString(ev.URL)
	})

	id, err := a.tabs.Open(ctx, ssoURL, false)
	if err != nil {
		sub.Cancel()
		return Result{}, fmt.Errorf("open activation tab: %w", err)
	}
	tabID.Store(id)
	log.Info("activation tab opened", logging.TabID(id), logging.URL(ssoURL))

	ev, waitErr := sub.Wait(ctx, a.cfg.Timeout)
	a.closeTab(ctx, id)

	if waitErr != nil {
		if errors.Is(waitErr, events.ErrTimeout) {
			metrics.Flow("activate", "timeout")
			log.Warn("activation timed out", logging.TabID(id), logging.Elapsed(a.now().Sub(start)))
			return Result{OK: false, Error: "Timeout"}, nil
		}
		return Result{}, waitErr
	}

	err = a.store.Set(ctx, map[string]any{
		kvstore.KeySessionReady: true,
		kvstore.KeySessionTime:  a.now().UnixMilli(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("record session ready: %w", err)
	}
	if a.onReady != nil {
		if err := a.onReady(ctx); err != nil {
			log.Warn("post-activation hook failed", zap.Error(err))
		}
	}

	metrics.Flow("activate", "ok")
	log.Info("session ready", logging.URL(ev.URL), logging.Elapsed(a.now().Sub(start)))
	return Result{OK: true}, nil
}

func (a *Activator) closeTab(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	if err := a.tabs.Close(ctx, id); err != nil {
		a.logger.Debug("close activation tab", logging.TabID(id), zap.Error(err))
	}
}
