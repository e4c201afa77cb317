package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rsclarke/portalgate/internal/api"
)

func TestSendMessage(t *testing.T) {
	var gotAuth, gotTab, gotURL string
	var gotBody api.MessageRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTab = r.Header.Get(api.HeaderTabID)
		gotURL = r.Header.Get(api.HeaderTabURL)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		switch gotBody.Type {
		case "CHECK_JWXT_SESSION":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{\"ready\":true}\n"))
		case "TOKEN_HARVESTED_SUCCESS":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"accepted":true}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unknown message type: \"NOPE\""}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "portalgate_key")
	ctx := context.Background()

	reply, err := c.SendMessage(ctx, api.MessageRequest{Type: "CHECK_JWXT_SESSION"}, Sender{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(reply) != `{"ready":true}` {
		t.Errorf("unexpected reply %s", reply)
	}
	if gotAuth != "Bearer portalgate_key" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}

	reply, err = c.SendMessage(ctx, api.MessageRequest{Type: "TOKEN_HARVESTED_SUCCESS"}, Sender{TabID: "t1", URL: "https://ot.xju.edu.cn/"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != nil {
		t.Errorf("expected nil reply for accepted message, got %s", reply)
	}
	if gotTab != "t1" || gotURL != "https://ot.xju.edu.cn/" {
		t.Errorf("sender headers not set: %q %q", gotTab, gotURL)
	}

	_, err = c.SendMessage(ctx, api.MessageRequest{Type: "NOPE"}, Sender{})
	if err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rules" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"rules":[{"id":2,"priority":1,"origin":"https://jwxt.xju.edu.cn","referer":"https://jwxt.xju.edu.cn/","urlFilter":"||jwxt.xju.edu.cn/","resourceTypes":["xmlhttprequest"]}]}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "k").Rules(context.Background())
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(resp.Rules) != 1 || resp.Rules[0].ID != 2 {
		t.Errorf("unexpected rules %+v", resp.Rules)
	}
}

func TestParseErrorWithoutJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").Rules(context.Background())
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Errorf("expected status error, got %v", err)
	}
}
