package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/logging"
	"github.com/rsclarke/portalgate/internal/rules"
)

// LegacyRequest is the payload of FETCH_LEGACY and PROXY_FETCH_JSON.
type LegacyRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	Body         string `json:"body,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
	Referer      string `json:"referer,omitempty"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
	ReturnJSON   bool   `json:"returnJson,omitempty"`
}

// RankRequest is the payload of FETCH_RANK_DATA.
type RankRequest struct {
	TableID  string `json:"tableId"`
	XN       string `json:"xn"`
	XN1      string `json:"xn1"`
	XQ       string `json:"xq"`
	MenuCode string `json:"menucode_current"`
}

// FetchLegacy fetches a legacy endpoint with spoofed Origin and Referer,
// attaching the one-table token when the target is the token-gated host.
func (g *Gateway) FetchLegacy(ctx context.Context, req LegacyRequest) Result {
	res, err := g.fetchLegacy(ctx, req)
	if err != nil {
		g.logger.Warn("legacy fetch failed", logging.URL(req.URL), zap.Error(err))
		return Result{OK: false, Error: err.Error()}
	}
	return res
}

func (g *Gateway) fetchLegacy(ctx context.Context, req LegacyRequest) (Result, error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return Result{}, fmt.Errorf("invalid url %q", req.URL)
	}
	origin := target.Scheme + "://" + target.Host
	referer := req.Referer
	if referer == "" {
		referer = origin + "/"
	}

	filter := target.EscapedPath()
	if filter == "" {
		filter = "/"
	}
	err = g.installRule(ctx, rules.HeaderRule{
		ID:            rules.RuleLegacy,
		Priority:      1,
		Origin:        origin,
		Referer:       referer,
		URLFilter:     filter,
		ResourceTypes: []rules.ResourceType{rules.ResourceXHR, rules.ResourceOther},
	})
	if err != nil {
		return Result{}, err
	}

	o := outbound{kind: "legacy", method: normalizeMethod(req.Method), url: req.URL, headers: map[string]string{}}
	if o.method == "POST" {
		o.headers["Content-Type"] = formContentType
		o.body = req.Body
	}

	if g.isTokenHost(target.Hostname()) {
		if token := g.bearer(ctx, req.ForceRefresh); token != "" {
			o.headers["Authorization"] = "Bearer " + token
		}
	}

	g.syncCookies(ctx)

	resp, err := g.do(ctx, o)
	if err != nil {
		return Result{}, err
	}

	encoding := req.Encoding
	if encoding == "" {
		encoding = g.cfg.DefaultEncoding
	}
	text, err := Decode(resp.Body(), encoding)
	if err != nil {
		return Result{}, err
	}

	status := resp.StatusCode()
	g.logger.Debug("legacy fetch",
		logging.Method(o.method),
		logging.URL(req.URL),
		logging.Status(status),
		logging.Encoding(encoding))

	if !req.ReturnJSON {
		return Result{OK: isSuccess(status), Status: status, Data: text, Error: httpError(status)}, nil
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return Result{OK: false, Error: "JSON parse failed"}, nil
	}
	if isAuthFailure(status, data) {
		if err := g.tokens.Invalidate(ctx); err != nil {
			g.logger.Warn("invalidate token", zap.Error(err))
		}
	}
	return Result{OK: isSuccess(status), Status: status, Data: data, Error: httpError(status)}, nil
}

// FetchRank posts the major/class rank query to the academic system's
// DataTable endpoint. The response is always GBK.
func (g *Gateway) FetchRank(ctx context.Context, req RankRequest) Result {
	res, err := g.fetchRank(ctx, req)
	if err != nil {
		g.logger.Warn("rank fetch failed", zap.Error(err))
		return Result{OK: false, Error: err.Error()}
	}
	return res
}

func (g *Gateway) fetchRank(ctx context.Context, req RankRequest) (Result, error) {
	origin := strings.TrimSuffix(g.cfg.LegacyOrigin, "/")
	err := g.installRule(ctx, rules.HeaderRule{
		ID:            rules.RuleRank,
		Priority:      1,
		Origin:        origin,
		Referer:       origin + "/xjdxjw/student/xscj.ckzybjpm.html?menucode=" + req.MenuCode,
		URLFilter:     "DataTable.jsp",
		ResourceTypes: []rules.ResourceType{rules.ResourceXHR, rules.ResourceOther},
	})
	if err != nil {
		return Result{}, err
	}

	g.syncCookies(ctx)

	resp, err := g.do(ctx, outbound{
		kind:    "rank",
		method:  "POST",
		url:     origin + "/xjdxjw/taglib/DataTable.jsp?tableId=" + req.TableID,
		headers: map[string]string{"Content-Type": formContentType},
		body:    RankForm(req),
	})
	if err != nil {
		return Result{}, err
	}

	text, err := Decode(resp.Body(), "gbk")
	if err != nil {
		return Result{}, err
	}
	status := resp.StatusCode()
	return Result{OK: isSuccess(status), Status: status, Data: text, Error: httpError(status)}, nil
}

// RankForm builds the fixed query form the rank page submits. btnQry is the
// GBK percent-encoding of the search button label.
func RankForm(req RankRequest) string {
	return strings.Join([]string{
		"initQry=0",
		"xq=" + req.XQ,
		"roleType=STU",
		"hidKey=",
		"hidOption=",
		"btnQry=%BC%EC%CB%F7",
		"xn=" + req.XN,
		"xn1=" + req.XN1,
		"_xq=",
		"menucode_current=" + req.MenuCode,
	}, "&")
}

func (g *Gateway) installRule(ctx context.Context, r rules.HeaderRule) error {
	if err := g.engine.Install(ctx, r); err != nil {
		return fmt.Errorf("install header rule: %w", err)
	}
	if g.cfg.RuleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(g.cfg.RuleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) isTokenHost(host string) bool {
	th := g.cfg.TokenHost
	if th == "" {
		return false
	}
	host = strings.ToLower(host)
	return host == th || strings.HasSuffix(host, "."+th)
}

// bearer returns a fresh token, harvesting one if needed. Failure to obtain
// a token is logged and the request goes out without it.
func (g *Gateway) bearer(ctx context.Context, forceRefresh bool) string {
	maxAge := g.cfg.TokenMaxAge
	if forceRefresh {
		maxAge = 0
	}
	token, ok, err := g.tokens.GetToken(ctx, maxAge)
	if err != nil {
		g.logger.Warn("read cached token", zap.Error(err))
	}
	if ok {
		return token
	}
	token, err = g.tokens.WaitForToken(ctx)
	if err != nil {
		g.logger.Info("proceeding without token", zap.Error(err))
		return ""
	}
	return token
}

func isAuthFailure(status int, data any) bool {
	if status == 401 || status == 403 {
		return true
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return false
	}
	code, ok := obj["code"].(float64)
	return ok && (code == 401 || code == 403)
}
