// Package gateway executes the dashboard's outbound portal requests.
//
// Every request leaves through the header rule engine's transport, shares one
// cookie jar with the hidden browser, and is decoded with an explicit
// character encoding. Failures are folded into the returned results.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/rsclarke/portalgate/internal/metrics"
	"github.com/rsclarke/portalgate/internal/rules"
)

const formContentType = "application/x-www-form-urlencoded; charset=UTF-8"

// TokenSource supplies the one-table bearer token. It is satisfied by
// harvest.Harvester.
type TokenSource interface {
	GetToken(ctx context.Context, maxAge time.Duration) (string, bool, error)
	WaitForToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

type Config struct {
	TokenHost       string
	TokenMaxAge     time.Duration
	LegacyOrigin    string
	RuleDelay       time.Duration
	Timeout         time.Duration
	RetryCount      int
	RateLimit       float64
	DefaultEncoding string
	UserAgent       string
}

// Result is the reply to legacy and rank fetches. Data is the decoded text,
// or the parsed JSON value when JSON was requested.
type Result struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Gateway struct {
	client  *resty.Client
	jar     *cookiejar.Jar
	engine  *rules.Engine
	tokens  TokenSource
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger

	cookies CookieSource
}

// New builds a gateway that sends requests through base, wrapped by the rule
// engine's transport. A nil base uses NewTransport(nil).
func New(engine *rules.Engine, tokens TokenSource, base http.RoundTripper, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == nil {
		base = NewTransport(nil)
	}
	if cfg.DefaultEncoding == "" {
		cfg.DefaultEncoding = "gbk"
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := resty.New().
		SetTransport(engine.Transport(base)).
		SetCookieJar(jar).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetLogger(logger.Sugar())
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &Gateway{
		client:  client,
		jar:     jar,
		engine:  engine,
		tokens:  tokens,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Jar exposes the cookie jar shared by all requests.
func (g *Gateway) Jar() http.CookieJar {
	return g.jar
}

type outbound struct {
	kind    string
	method  string
	url     string
	headers map[string]string
	body    string
}

func (g *Gateway) do(ctx context.Context, o outbound) (*resty.Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req := g.client.R().
		SetContext(rules.WithResourceType(ctx, rules.ResourceXHR)).
		SetHeaders(o.headers)
	if o.body != "" {
		req.SetBody(o.body)
	}

	start := time.Now()
	resp, err := req.Execute(o.method, o.url)
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	metrics.Fetch(o.kind, status, start)
	return resp, err
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func httpError(status int) string {
	if isSuccess(status) {
		return ""
	}
	return fmt.Sprintf("HTTP %d", status)
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}
