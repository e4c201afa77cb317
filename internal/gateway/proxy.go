package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/logging"
)

// ProxyRequest is the payload of PROXY_FETCH.
type ProxyRequest struct {
	URL     string       `json:"url"`
	Options ProxyOptions `json:"options"`
}

type ProxyOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ProxyResult mirrors a fetch Response: header names are lower-cased and
// repeated headers joined with ", ". A result with Error set failed before a
// response arrived and encodes as {ok, error} only.
type ProxyResult struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Data       string            `json:"data"`
	Headers    map[string]string `json:"headers"`
	Error      string            `json:"error,omitempty"`
}

func (r ProxyResult) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}{r.OK, r.Error})
	}
	type response ProxyResult
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	return json.Marshal(response(r))
}

// ProxyFetch performs a plain request with no header rule and no token.
// The body is decoded as UTF-8.
func (g *Gateway) ProxyFetch(ctx context.Context, req ProxyRequest) ProxyResult {
	resp, err := g.do(ctx, outbound{
		kind:    "proxy",
		method:  normalizeMethod(req.Options.Method),
		url:     req.URL,
		headers: req.Options.Headers,
		body:    req.Options.Body,
	})
	if err != nil {
		g.logger.Warn("proxy fetch failed", logging.URL(req.URL), zap.Error(err))
		return ProxyResult{OK: false, Error: err.Error()}
	}

	text, err := Decode(resp.Body(), "utf-8")
	if err != nil {
		return ProxyResult{OK: false, Error: err.Error()}
	}

	status := resp.StatusCode()
	return ProxyResult{
		OK:         isSuccess(status),
		Status:     status,
		StatusText: statusText(resp.Status(), status),
		Data:       text,
		Headers:    flattenHeaders(resp.Header()),
	}
}

// statusText extracts the reason phrase from a status line like "200 OK".
func statusText(line string, code int) string {
	text := strings.TrimSpace(strings.TrimPrefix(line, strconv.Itoa(code)))
	if text == "" {
		return http.StatusText(code)
	}
	return text
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
