package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rsclarke/portalgate/internal/browser"
	"github.com/rsclarke/portalgate/internal/catalog"
	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/gateway"
	"github.com/rsclarke/portalgate/internal/harvest"
	"github.com/rsclarke/portalgate/internal/kvstore"
	"github.com/rsclarke/portalgate/internal/models"
	"github.com/rsclarke/portalgate/internal/relay"
	"github.com/rsclarke/portalgate/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu     sync.Mutex
	legacy []gateway.LegacyRequest
	rank   gateway.Result
	proxy  []gateway.ProxyRequest
}

func (f *fakeFetcher) FetchLegacy(_ context.Context, req gateway.LegacyRequest) gateway.Result {
	f.mu.Lock()
	f.legacy = append(f.legacy, req)
	f.mu.Unlock()
	return gateway.Result{OK: true, Status: 200, Data: "ok"}
}

func (f *fakeFetcher) FetchRank(context.Context, gateway.RankRequest) gateway.Result {
	return f.rank
}

func (f *fakeFetcher) ProxyFetch(_ context.Context, req gateway.ProxyRequest) gateway.ProxyResult {
	f.mu.Lock()
	f.proxy = append(f.proxy, req)
	f.mu.Unlock()
	return gateway.ProxyResult{OK: true, Status: 200, StatusText: "OK", Data: "body"}
}

type fakeSessions struct {
	mu     sync.Mutex
	ready  bool
	resets int
}

func (f *fakeSessions) Activate(context.Context) session.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = true
	return session.Result{OK: true}
}

func (f *fakeSessions) CheckReady(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSessions) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	f.resets++
	return nil
}

type fakeTokens struct{ invalidated int }

func (f *fakeTokens) Invalidate(context.Context) error {
	f.invalidated++
	return nil
}

type fixture struct {
	router   *Router
	fetcher  *fakeFetcher
	sessions *fakeSessions
	tokens   *fakeTokens
	tabs     *browser.Fake
	hub      *events.Hub
}

func newFixture() *fixture {
	hub := events.NewHub()
	f := &fixture{
		fetcher:  &fakeFetcher{},
		sessions: &fakeSessions{},
		tokens:   &fakeTokens{},
		tabs:     browser.NewFake(hub.Tabs),
		hub:      hub,
	}
	f.router = New(Deps{
		Fetcher:  f.fetcher,
		Sessions: f.sessions,
		Tokens:   f.tokens,
		Caches:   catalog.New(kvstore.NewMemory(), 0),
		Tabs:     f.tabs,
		Signal:   hub.Tokens,
	}, nil)
	return f
}

func dispatch(t *testing.T, r *Router, msgType string, payload any, sender Sender) Reply {
	t.Helper()
	msg := Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = raw
	}
	ch, err := r.Dispatch(context.Background(), msg, sender)
	require.NoError(t, err)
	require.NotNil(t, ch)
	select {
	case reply := <-ch:
		return reply
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply to %s", msgType)
		return nil
	}
}

func TestUnknownMessage(t *testing.T) {
	f := newFixture()
	ch, err := f.router.Dispatch(context.Background(), Message{Type: "NOPE"}, Sender{})
	require.ErrorIs(t, err, ErrUnknownMessage)
	require.Nil(t, ch)
}

func TestTypes(t *testing.T) {
	f := newFixture()
	types := f.router.Types()
	require.Contains(t, types, TypeFetchLegacy)
	require.Contains(t, types, TypeInvalidateToken)
	require.Len(t, types, 14)
	require.True(t, f.router.OneWay(TypeTokenHarvestedSuccess))
	require.False(t, f.router.OneWay(TypeFetchLegacy))
}

func TestProxyFetchJSONForcesJSONAndUTF8(t *testing.T) {
	f := newFixture()
	reply := dispatch(t, f.router, TypeProxyFetchJSON, gateway.LegacyRequest{
		URL:      "https://ot.xju.edu.cn/api/x",
		Encoding: "gbk",
	}, Sender{})
	require.Equal(t, gateway.Result{OK: true, Status: 200, Data: "ok"}, reply)

	require.Len(t, f.fetcher.legacy, 1)
	require.True(t, f.fetcher.legacy[0].ReturnJSON)
	require.Equal(t, "utf-8", f.fetcher.legacy[0].Encoding)
}

func TestFetchLegacyPassesThrough(t *testing.T) {
	f := newFixture()
	dispatch(t, f.router, TypeFetchLegacy, map[string]any{
		"url":          "https://jwxt.xju.edu.cn/jwglxt/x",
		"encoding":     "gbk",
		"forceRefresh": true,
	}, Sender{})
	require.Len(t, f.fetcher.legacy, 1)
	got := f.fetcher.legacy[0]
	require.Equal(t, "gbk", got.Encoding)
	require.True(t, got.ForceRefresh)
	require.False(t, got.ReturnJSON)
}

func TestBadPayload(t *testing.T) {
	f := newFixture()
	ch, err := f.router.Dispatch(context.Background(), Message{
		Type:    TypeFetchLegacy,
		Payload: json.RawMessage(`{"url":`),
	}, Sender{})
	require.NoError(t, err)
	reply := (<-ch).(gateway.Result)
	require.False(t, reply.OK)
	require.Contains(t, reply.Error, "decode payload")
	require.Empty(t, f.fetcher.legacy)
}

func TestProxyFetch(t *testing.T) {
	f := newFixture()
	reply := dispatch(t, f.router, TypeProxyFetch, gateway.ProxyRequest{
		URL:     "https://weather.example/now",
		Options: gateway.ProxyOptions{Method: "GET"},
	}, Sender{})
	require.Equal(t, "body", reply.(gateway.ProxyResult).Data)
	require.Equal(t, "https://weather.example/now", f.fetcher.proxy[0].URL)
}

func TestFetchRankFailureResetsSession(t *testing.T) {
	f := newFixture()
	f.sessions.ready = true

	f.fetcher.rank = gateway.Result{OK: true, Status: 200}
	dispatch(t, f.router, TypeFetchRankData, gateway.RankRequest{XN: "2024"}, Sender{})
	require.Equal(t, 0, f.sessions.resets)

	f.fetcher.rank = gateway.Result{OK: false, Status: 302, Error: "HTTP 302"}
	reply := dispatch(t, f.router, TypeFetchRankData, gateway.RankRequest{XN: "2024"}, Sender{})
	require.False(t, reply.(gateway.Result).OK)
	require.Equal(t, 1, f.sessions.resets)
	require.False(t, f.sessions.CheckReady(context.Background()))
}

func TestOpenSilentTab(t *testing.T) {
	f := newFixture()

	reply := dispatch(t, f.router, TypeOpenSilentTab, map[string]string{"url": "https://ot.xju.edu.cn/"}, Sender{})
	require.Equal(t, TabReply{TabID: "tab-1"}, reply)
	require.Equal(t, []string{"https://ot.xju.edu.cn/"}, f.tabs.Opened())

	reply = dispatch(t, f.router, TypeOpenSilentTab, map[string]string{}, Sender{})
	require.Equal(t, TabReply{Error: "url is required"}, reply)

	f.tabs.FailOpen(errors.New("no browser"))
	reply = dispatch(t, f.router, TypeOpenSilentTab, map[string]string{"url": "https://ot.xju.edu.cn/"}, Sender{})
	require.Equal(t, TabReply{Error: "no browser"}, reply)
}

func TestTokenHarvestedClosesSilentTab(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantClose bool
	}{
		{"silent harvest tab", "https://ot.xju.edu.cn/?silent_harvest=true", true},
		{"user tab", "https://ot.xju.edu.cn/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			id, err := f.tabs.Open(context.Background(), tt.url, false)
			require.NoError(t, err)

			sub := f.hub.Tokens.Subscribe(nil)
			ch, err := f.router.Dispatch(context.Background(), Message{Type: TypeTokenHarvestedSuccess}, Sender{TabID: id, URL: tt.url})
			require.NoError(t, err)
			require.Nil(t, ch)

			ev, err := sub.Wait(context.Background(), time.Second)
			require.NoError(t, err)
			require.Equal(t, id, ev.TabID)
			require.Equal(t, !tt.wantClose, f.tabs.IsOpen(id))
		})
	}
}

func TestTokenHarvestedUsesMessageURL(t *testing.T) {
	f := newFixture()
	u := "https://ot.xju.edu.cn/?silent_harvest=true"
	id, err := f.tabs.Open(context.Background(), u, false)
	require.NoError(t, err)

	_, err = f.router.Dispatch(context.Background(), Message{Type: TypeTokenHarvestedSuccess, URL: u}, Sender{TabID: id})
	require.NoError(t, err)
	require.False(t, f.tabs.IsOpen(id))
}

func TestSessionMessages(t *testing.T) {
	f := newFixture()
	require.Equal(t, ReadyReply{Ready: false}, dispatch(t, f.router, TypeCheckSession, nil, Sender{}))
	require.Equal(t, session.Result{OK: true}, dispatch(t, f.router, TypeActivateSession, nil, Sender{}))
	require.Equal(t, ReadyReply{Ready: true}, dispatch(t, f.router, TypeCheckSession, nil, Sender{}))
}

func TestAppCatalogMessages(t *testing.T) {
	f := newFixture()

	require.Equal(t, AppsReply{}, dispatch(t, f.router, TypeGetAppCatalog, nil, Sender{}))

	apps := []models.App{{AppID: "42", Title: "教务系统", AppName: "教务系统"}}
	require.Equal(t, Ack{OK: true}, dispatch(t, f.router, TypeSaveAppCatalog, map[string]any{"apps": apps}, Sender{}))
	require.Equal(t, AppsReply{Apps: apps}, dispatch(t, f.router, TypeGetAppCatalog, nil, Sender{}))

	require.Equal(t, Ack{OK: true}, dispatch(t, f.router, TypeClearAppCatalog, nil, Sender{}))
	require.Equal(t, AppsReply{}, dispatch(t, f.router, TypeGetAppCatalog, nil, Sender{}))
}

func TestRankResultMessages(t *testing.T) {
	f := newFixture()

	require.Equal(t, RankReply{}, dispatch(t, f.router, TypeGetRankResult, nil, Sender{}))

	reply := dispatch(t, f.router, TypeSaveRankResult, map[string]any{}, Sender{})
	require.Equal(t, Failure{Error: "data is required"}, reply)

	require.Equal(t, Ack{OK: true}, dispatch(t, f.router, TypeSaveRankResult,
		map[string]any{"data": map[string]any{"rank": 3}}, Sender{}))
	got := dispatch(t, f.router, TypeGetRankResult, nil, Sender{}).(RankReply)
	require.JSONEq(t, `{"rank":3}`, string(got.Data))
}

func TestInvalidateToken(t *testing.T) {
	f := newFixture()
	require.Equal(t, Ack{OK: true}, dispatch(t, f.router, TypeInvalidateToken, nil, Sender{}))
	require.Equal(t, 1, f.tokens.invalidated)
}

// TestHarvestRoundTrip wires a real harvester and relay: the silent tab
// stores a token, the relay reports it through the router, the harvester
// wakes up and the tab is closed.
func TestHarvestRoundTrip(t *testing.T) {
	hub := events.NewHub()
	store := kvstore.NewMemory()
	tabs := browser.NewFake(hub.Tabs)

	h := harvest.New(store, tabs, hub.Tokens, harvest.Config{
		SourceURL: "https://ot.xju.edu.cn/",
		Timeout:   5 * time.Second,
		Cooldown:  time.Minute,
	}, nil)

	r := New(Deps{Tabs: tabs, Signal: hub.Tokens, Tokens: h}, nil)

	rl := relay.New(tabs, h, func(ctx context.Context, tabID, tabURL string) {
		_, err := r.Dispatch(ctx, Message{Type: TypeTokenHarvestedSuccess}, Sender{TabID: tabID, URL: tabURL})
		require.NoError(t, err)
	}, relay.Config{Interval: 10 * time.Millisecond, MaxAttempts: 50}, nil)

	var watch sync.WaitGroup
	tabs.OnOpen = func(f *browser.Fake, id, u string) {
		f.SetStorage(id, relay.LocalStorage, "OnetableToken", `{"token":"jwt-1"}`)
		watch.Add(1)
		go func() {
			defer watch.Done()
			_ = rl.Watch(context.Background(), id, u)
		}()
	}

	token, err := h.WaitForToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "jwt-1", token)
	watch.Wait()

	require.Equal(t, []string{"tab-1"}, tabs.Closed())
	require.False(t, tabs.IsOpen("tab-1"))
}
