package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rsclarke/portalgate/internal/api"
	"github.com/rsclarke/portalgate/internal/auth"
	"github.com/rsclarke/portalgate/internal/browser"
	"github.com/rsclarke/portalgate/internal/catalog"
	"github.com/rsclarke/portalgate/internal/db"
	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/kvstore"
	"github.com/rsclarke/portalgate/internal/router"
	"github.com/rsclarke/portalgate/internal/rules"
)

type testServer struct {
	srv  *APIServer
	key  string
	tabs *browser.Fake
}

func setupTestAPIServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	key, err := auth.Generate()
	if err != nil {
		t.Fatalf("generate API key: %v", err)
	}
	if _, err := db.CreateAPIKey(database, key.Prefix, key.Hash); err != nil {
		t.Fatalf("create API key: %v", err)
	}

	hub := events.NewHub()
	tabs := browser.NewFake(hub.Tabs)
	engine := rules.NewEngine(nil)

	r := router.New(router.Deps{
		Caches: catalog.New(kvstore.NewSQLite(database), 0),
		Tabs:   tabs,
		Signal: hub.Tokens,
	}, nil)

	return &testServer{
		srv: &APIServer{
			DB:     database,
			Router: r,
			Rules:  engine,
		},
		key:  key.Display,
		tabs: tabs,
	}
}

func (ts *testServer) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.key)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestAPIServer(t)
	prefix, _, err := auth.Parse(ts.key)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"invalid format", "Bearer invalid_key_format", http.StatusUnauthorized},
		{"wrong secret", "Bearer portalgate_" + prefix + "_wrongsecret", http.StatusUnauthorized},
		{"unknown prefix", "Bearer portalgate_zzzzzzzzzzzz_secret", http.StatusUnauthorized},
		{"valid key", "Bearer " + ts.key, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/rules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusUnauthorized {
				var resp api.ErrorResponse
				_ = json.NewDecoder(w.Body).Decode(&resp)
				if resp.Error != "unauthorized" {
					t.Errorf("expected error 'unauthorized', got %q", resp.Error)
				}
			}
		})
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	ts := setupTestAPIServer(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	ts := setupTestAPIServer(t)

	w := ts.post(t, `{"type":"SAVE_APP_CATALOG","payload":{"apps":[{"appId":"7","title":"教务系统"}]}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("save: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(api.HeaderRequestID) == "" {
		t.Error("expected a request id header")
	}

	w = ts.post(t, `{"type":"GET_APP_CATALOG"}`, map[string]string{api.HeaderRequestID: "req-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get(api.HeaderRequestID); got != "req-1" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}

	var resp struct {
		Apps []struct {
			AppID string `json:"appId"`
			Title string `json:"title"`
		} `json:"apps"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Apps) != 1 || resp.Apps[0].AppID != "7" || resp.Apps[0].Title != "教务系统" {
		t.Errorf("unexpected apps: %+v", resp.Apps)
	}
}

func TestMessageErrors(t *testing.T) {
	ts := setupTestAPIServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{"type":`, http.StatusBadRequest},
		{"missing type", `{"payload":{}}`, http.StatusBadRequest},
		{"unknown type", `{"type":"LAUNCH_ROCKETS"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.post(t, tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestFireAndForgetMessage(t *testing.T) {
	ts := setupTestAPIServer(t)

	tabURL := "https://ot.xju.edu.cn/?silent_harvest=true"
	tabID, err := ts.tabs.Open(t.Context(), tabURL, false)
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}

	w := ts.post(t, `{"type":"TOKEN_HARVESTED_SUCCESS"}`, map[string]string{
		api.HeaderTabID:  tabID,
		api.HeaderTabURL: tabURL,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if ts.tabs.IsOpen(tabID) {
		t.Error("expected silent harvest tab to be closed")
	}
}

func TestListRules(t *testing.T) {
	ts := setupTestAPIServer(t)

	err := ts.srv.Rules.Install(t.Context(), rules.HeaderRule{
		ID:            rules.RuleLegacy,
		Origin:        "https://jwxt.xju.edu.cn",
		Referer:       "https://jwxt.xju.edu.cn/",
		URLFilter:     "||jwxt.xju.edu.cn/jwglxt/",
		ResourceTypes: []rules.ResourceType{rules.ResourceXHR},
	})
	if err != nil {
		t.Fatalf("install rule: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer "+ts.key)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	var resp api.RulesResponse
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rules) != 1 || resp.Rules[0].ID != rules.RuleLegacy {
		t.Errorf("unexpected rules: %+v", resp.Rules)
	}
}
