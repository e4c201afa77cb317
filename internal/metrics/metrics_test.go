package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Fatalf("metrics status = %d", w.Code)
	}
	return w.Body.String()
}

func TestHandlerExposesCollectors(t *testing.T) {
	Message("PROXY_FETCH", "ok")
	Flow("harvest", "ok")
	Fetch("legacy", 200, time.Now())
	CacheLookup("apps", true)

	body := scrape(t)
	for _, want := range []string{
		`portalgate_messages_total{outcome="ok",type="PROXY_FETCH"}`,
		`portalgate_flows_total{flow="harvest",result="ok"}`,
		`portalgate_fetches_total{kind="legacy",status="200"}`,
		`portalgate_fetch_duration_seconds_count{kind="legacy"}`,
		`portalgate_cache_lookups_total{cache="apps",result="hit"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
