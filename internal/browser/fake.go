package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rsclarke/portalgate/internal/events"
)

// Fake is an in-memory Tabs for tests. Navigations are driven by the test
// through Navigate, or automatically through OnOpen.
type Fake struct {
	navs *events.Bus[events.TabUpdated]

	// OnOpen, when set, runs synchronously at the end of Open.
	OnOpen func(f *Fake, tabID, rawURL string)

	mu      sync.Mutex
	next    int
	tabs    map[string]string
	opened  []string
	closed  []string
	storage map[string]string
	cookies []*http.Cookie
	openErr error

	watchers map[string]HostWatcher
	cancels  map[string]context.CancelFunc
	watches  sync.WaitGroup
}

func NewFake(navs *events.Bus[events.TabUpdated]) *Fake {
	return &Fake{
		navs:     navs,
		tabs:     make(map[string]string),
		storage:  make(map[string]string),
		watchers: make(map[string]HostWatcher),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// WatchHost registers fn for navigations to host reported through Navigate.
func (f *Fake) WatchHost(host string, fn HostWatcher) {
	f.mu.Lock()
	f.watchers[strings.ToLower(host)] = fn
	f.mu.Unlock()
}

// Wait blocks until every host watcher started by Navigate has returned.
func (f *Fake) Wait() {
	f.watches.Wait()
}

// FailOpen makes subsequent Open calls return err.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *Fake) Open(_ context.Context, rawURL string, _ bool) (string, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return "", err
	}
	f.next++
	id := fmt.Sprintf("tab-%d", f.next)
	f.tabs[id] = rawURL
	f.opened = append(f.opened, rawURL)
	hook := f.OnOpen
	f.mu.Unlock()

	if hook != nil {
		hook(f, id, rawURL)
	}
	return id, nil
}

// Navigate reports a main-frame navigation of tabID and starts the host
// watcher for its host, if any. The watcher's context ends when the tab is
// closed.
func (f *Fake) Navigate(tabID, rawURL string) {
	var fn HostWatcher
	var ctx context.Context
	f.mu.Lock()
	f.tabs[tabID] = rawURL
	if u, err := url.Parse(rawURL); err == nil {
		fn = f.watchers[strings.ToLower(u.Hostname())]
	}
	if fn != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		if prev := f.cancels[tabID]; prev != nil {
			prev()
		}
		f.cancels[tabID] = cancel
	}
	f.mu.Unlock()

	if f.navs != nil {
		f.navs.Publish(events.TabUpdated{TabID: tabID, URL: rawURL})
	}
	if fn != nil {
		f.watches.Add(1)
		go func() {
			defer f.watches.Done()
			fn(ctx, tabID, rawURL)
		}()
	}
}

func (f *Fake) Close(_ context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tabID)
	if cancel := f.cancels[tabID]; cancel != nil {
		cancel()
		delete(f.cancels, tabID)
	}
	if _, ok := f.tabs[tabID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	delete(f.tabs, tabID)
	return nil
}

func (f *Fake) SetStorage(tabID, area, key, value string) {
	f.mu.Lock()
	f.storage[tabID+"\x00"+area+"\x00"+key] = value
	f.mu.Unlock()
}

func (f *Fake) StorageItem(_ context.Context, tabID, area, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[tabID]; !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	v, ok := f.storage[tabID+"\x00"+area+"\x00"+key]
	return v, ok, nil
}

func (f *Fake) SetCookies(cookies ...*http.Cookie) {
	f.mu.Lock()
	f.cookies = append(f.cookies, cookies...)
	f.mu.Unlock()
}

func (f *Fake) Cookies(context.Context) ([]*http.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Cookie(nil), f.cookies...), nil
}

// Opened returns the URLs passed to Open, in order.
func (f *Fake) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// Closed returns the tab ids passed to Close, in order.
func (f *Fake) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

// IsOpen reports whether tabID has been opened and not closed.
func (f *Fake) IsOpen(tabID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tabs[tabID]
	return ok
}

var (
	_ Tabs = (*Rod)(nil)
	_ Tabs = (*Fake)(nil)
)
