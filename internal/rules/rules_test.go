package rules

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func legacyRule(referer string) HeaderRule {
	return HeaderRule{
		ID:            RuleLegacy,
		Priority:      1,
		Origin:        "https://jwxt.xju.edu.cn",
		Referer:       referer,
		URLFilter:     "/xjdxjw/student/data.jsp",
		ResourceTypes: []ResourceType{ResourceXHR, ResourceOther},
	}
}

func TestInstallReplacesSameID(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()

	if err := e.Install(ctx, legacyRule("https://jwxt.xju.edu.cn/first")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := e.Install(ctx, legacyRule("https://jwxt.xju.edu.cn/second")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got := e.Rules()
	if len(got) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(got))
	}
	if got[0].Referer != "https://jwxt.xju.edu.cn/second" {
		t.Errorf("referer = %q, want the latest", got[0].Referer)
	}
}

func TestInstallRejectsInvalid(t *testing.T) {
	valid := legacyRule("https://jwxt.xju.edu.cn/")

	tests := []struct {
		name   string
		mutate func(*HeaderRule)
	}{
		{"zero id", func(r *HeaderRule) { r.ID = 0 }},
		{"empty filter", func(r *HeaderRule) { r.URLFilter = "" }},
		{"no resource types", func(r *HeaderRule) { r.ResourceTypes = nil }},
		{"relative origin", func(r *HeaderRule) { r.Origin = "jwxt.xju.edu.cn" }},
		{"relative referer", func(r *HeaderRule) { r.Referer = "/student" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil)
			if err := e.Install(context.Background(), valid); err != nil {
				t.Fatalf("Install valid: %v", err)
			}

			bad := valid
			tt.mutate(&bad)
			err := e.Install(context.Background(), bad)
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("err = %v, want ErrInvalidRule", err)
			}

			got := e.Rules()
			if len(got) != 1 || got[0].Referer != valid.Referer {
				t.Errorf("active rules changed after rejected install: %+v", got)
			}
		})
	}
}

func TestInstallCancelledContext(t *testing.T) {
	e := NewEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.Install(ctx, legacyRule("")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(e.Rules()) != 0 {
		t.Error("rule installed despite cancelled context")
	}
}

func TestMatchPriorityAndTies(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	types := []ResourceType{ResourceXHR, ResourceOther}

	rank := HeaderRule{ID: RuleRank, Priority: 1, Origin: "https://a.example", URLFilter: "jsp", ResourceTypes: types}
	legacy := HeaderRule{ID: RuleLegacy, Priority: 1, Origin: "https://b.example", URLFilter: "jsp", ResourceTypes: types}
	for _, r := range []HeaderRule{legacy, rank} {
		if err := e.Install(ctx, r); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}

	got, ok := e.Match("https://jwxt.xju.edu.cn/x.jsp", ResourceXHR)
	if !ok || got.ID != RuleRank {
		t.Fatalf("tie: got rule %d (%v), want %d", got.ID, ok, RuleRank)
	}

	legacy.Priority = 5
	if err := e.Install(ctx, legacy); err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, ok = e.Match("https://jwxt.xju.edu.cn/x.jsp", ResourceXHR)
	if !ok || got.ID != RuleLegacy {
		t.Fatalf("priority: got rule %d (%v), want %d", got.ID, ok, RuleLegacy)
	}

	if _, ok := e.Match("https://jwxt.xju.edu.cn/x.jsp", ResourceMainFrame); ok {
		t.Error("rule matched a resource type it does not list")
	}
}

func TestRemove(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Install(context.Background(), legacyRule("")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	e.Remove(RuleLegacy, 99)
	if len(e.Rules()) != 0 {
		t.Error("rule not removed")
	}
}

func TestTransportRewritesHeaders(t *testing.T) {
	var gotOrigin, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin = r.Header.Get("Origin")
		gotReferer = r.Header.Get("Referer")
	}))
	defer srv.Close()

	e := NewEngine(nil)
	if err := e.Install(context.Background(), legacyRule("https://jwxt.xju.edu.cn/xjdxjw/student/")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	client := &http.Client{Transport: e.Transport(nil)}

	tests := []struct {
		name        string
		path        string
		rt          ResourceType
		wantOrigin  string
		wantReferer string
	}{
		{"matching xhr", "/xjdxjw/student/data.jsp", ResourceXHR, "https://jwxt.xju.edu.cn", "https://jwxt.xju.edu.cn/xjdxjw/student/"},
		{"untagged counts as other", "/xjdxjw/student/data.jsp", "", "https://jwxt.xju.edu.cn", "https://jwxt.xju.edu.cn/xjdxjw/student/"},
		{"wrong resource type", "/xjdxjw/student/data.jsp", ResourceMainFrame, "", ""},
		{"non-matching url", "/other", ResourceXHR, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOrigin, gotReferer = "", ""
			ctx := context.Background()
			if tt.rt != "" {
				ctx = WithResourceType(ctx, tt.rt)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			_ = resp.Body.Close()

			if gotOrigin != tt.wantOrigin {
				t.Errorf("Origin = %q, want %q", gotOrigin, tt.wantOrigin)
			}
			if gotReferer != tt.wantReferer {
				t.Errorf("Referer = %q, want %q", gotReferer, tt.wantReferer)
			}
		})
	}
}
