// Package browser drives the Chrome instance whose tabs carry the portal
// flows: opening and closing tabs, reporting their navigations, reading web
// storage and exporting cookies.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/logging"
)

var ErrUnknownTab = errors.New("unknown tab")

// Tabs is the browser surface the flows and the router depend on.
type Tabs interface {
	Open(ctx context.Context, rawURL string, active bool) (string, error)
	Close(ctx context.Context, tabID string) error
	StorageItem(ctx context.Context, tabID, area, key string) (string, bool, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

// HostWatcher is called in its own goroutine for each main-frame navigation
// to a watched host. ctx ends when the tab is closed.
type HostWatcher func(ctx context.Context, tabID, tabURL string)

type Config struct {
	// DebuggerURL attaches to a running Chrome. When empty a browser is
	// launched from Bin (or rod's managed download).
	DebuggerURL string
	Bin         string
	Headless    bool
	UserDataDir string
}

type tab struct {
	page   *rod.Page
	cancel context.CancelFunc
}

// Rod implements Tabs over the Chrome DevTools protocol.
type Rod struct {
	cfg    Config
	navs   *events.Bus[events.TabUpdated]
	logger *zap.Logger

	browser *rod.Browser
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	tabs     map[string]*tab
	watchers map[string]HostWatcher
}

func New(cfg Config, navs *events.Bus[events.TabUpdated], logger *zap.Logger) *Rod {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rod{
		cfg:      cfg,
		navs:     navs,
		logger:   logger.With(logging.Component("browser")),
		tabs:     make(map[string]*tab),
		watchers: make(map[string]HostWatcher),
	}
}

// Start connects to (or launches) Chrome. Tabs outlive ctx; call Shutdown to
// release them.
func (r *Rod) Start(ctx context.Context) error {
	controlURL := r.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(r.cfg.Headless)
		if r.cfg.Bin != "" {
			l = l.Bin(r.cfg.Bin)
		}
		if r.cfg.UserDataDir != "" {
			l = l.UserDataDir(r.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().ControlURL(controlURL).Context(r.ctx)
	if err := b.Connect(); err != nil {
		r.cancel()
		return fmt.Errorf("connect browser: %w", err)
	}
	r.browser = b
	r.logger.Info("browser connected", logging.Addr(controlURL))
	return nil
}

// WatchHost registers fn for main-frame navigations whose host is host.
func (r *Rod) WatchHost(host string, fn HostWatcher) {
	r.mu.Lock()
	r.watchers[strings.ToLower(host)] = fn
	r.mu.Unlock()
}

// Open creates a tab and navigates it to rawURL. Navigations are reported
// from the first one onwards because the listener is attached before the
// tab leaves about:blank.
func (r *Rod) Open(ctx context.Context, rawURL string, active bool) (string, error) {
	if r.browser == nil {
		return "", errors.New("browser not started")
	}
	page, err := r.browser.Context(ctx).Page(proto.TargetCreateTarget{
		URL:        "about:blank",
		Background: !active,
	})
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	id := string(page.TargetID)

	tabCtx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.tabs[id] = &tab{page: page, cancel: cancel}
	r.mu.Unlock()

	wait := page.Context(tabCtx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		r.navigated(tabCtx, id, ev.Frame.URL)
	})
	go wait()

	if err := page.Context(ctx).Navigate(rawURL); err != nil {
		_ = r.Close(context.WithoutCancel(ctx), id)
		return "", fmt.Errorf("navigate tab: %w", err)
	}
	r.logger.Debug("tab opened", logging.TabID(id), logging.URL(rawURL))
	return id, nil
}

func (r *Rod) navigated(ctx context.Context, tabID, tabURL string) {
	if r.navs != nil {
		r.navs.Publish(events.TabUpdated{TabID: tabID, URL: tabURL})
	}
	if fn := r.watcher(tabURL); fn != nil {
		go fn(ctx, tabID, tabURL)
	}
}

func (r *Rod) watcher(tabURL string) HostWatcher {
	u, err := url.Parse(tabURL)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchers[strings.ToLower(u.Hostname())]
}

func (r *Rod) Close(ctx context.Context, tabID string) error {
	r.mu.Lock()
	t, ok := r.tabs[tabID]
	delete(r.tabs, tabID)
	r.mu.Unlock()

	if !ok {
		if r.browser == nil {
			return ErrUnknownTab
		}
		// Tabs opened by something else can still be closed by id.
		page, err := r.browser.Context(ctx).PageFromTarget(proto.TargetTargetID(tabID))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
		}
		return page.Close()
	}

	// ctx may be the tab's own context, handed to a host watcher; it must
	// outlive the close call.
	defer t.cancel()
	if err := t.page.Context(context.WithoutCancel(ctx)).Close(); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

const storageJS = `(area, key) => {
	const s = area === "localStorage" ? window.localStorage : window.sessionStorage;
	return s.getItem(key);
}`

// StorageItem reads key from the tab's sessionStorage or localStorage.
func (r *Rod) StorageItem(ctx context.Context, tabID, area, key string) (string, bool, error) {
	r.mu.Lock()
	t, ok := r.tabs[tabID]
	r.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}

	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           storageJS,
		JSArgs:       []interface{}{area, key},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", area, err)
	}
	if res == nil || res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.String(), true, nil
}

// Cookies exports every cookie in the browser profile.
func (r *Rod) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	if r.browser == nil {
		return nil, errors.New("browser not started")
	}
	cookies, err := r.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, convertCookie(c))
	}
	return out, nil
}

func convertCookie(c *proto.NetworkCookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		sec := float64(c.Expires)
		hc.Expires = time.Unix(int64(sec), 0)
	}
	switch c.SameSite {
	case proto.NetworkCookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case proto.NetworkCookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case proto.NetworkCookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

// Shutdown closes every tab opened through Open and disconnects.
func (r *Rod) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tabs))
	for id := range r.tabs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Close(ctx, id); err != nil {
			r.logger.Debug("close tab on shutdown", logging.TabID(id), zap.Error(err))
		}
	}
	// An attached browser belongs to someone else; only a launched one is
	// closed.
	if r.browser != nil && r.cfg.DebuggerURL == "" {
		if err := r.browser.Close(); err != nil {
			r.logger.Warn("browser close", zap.Error(err))
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
}
