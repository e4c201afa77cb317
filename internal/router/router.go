// Package router is the single entry point for dashboard and page-script
// messages. Each message tag maps to one operation of the flows or the
// gateway; replies are delivered on a channel once the work completes.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/gateway"
	"github.com/rsclarke/portalgate/internal/logging"
	"github.com/rsclarke/portalgate/internal/metrics"
	"github.com/rsclarke/portalgate/internal/models"
	"github.com/rsclarke/portalgate/internal/session"
)

// Message tags.
const (
	TypeProxyFetch            = "PROXY_FETCH"
	TypeFetchRankData         = "FETCH_RANK_DATA"
	TypeFetchLegacy           = "FETCH_LEGACY"
	TypeProxyFetchJSON        = "PROXY_FETCH_JSON"
	TypeOpenSilentTab         = "OPEN_SILENT_TAB"
	TypeTokenHarvestedSuccess = "TOKEN_HARVESTED_SUCCESS"
	TypeActivateSession       = "ACTIVATE_JWXT_SESSION"
	TypeCheckSession          = "CHECK_JWXT_SESSION"

	TypeSaveAppCatalog  = "SAVE_APP_CATALOG"
	TypeGetAppCatalog   = "GET_APP_CATALOG"
	TypeClearAppCatalog = "CLEAR_APP_CATALOG"
	TypeSaveRankResult  = "SAVE_RANK_RESULT"
	TypeGetRankResult   = "GET_RANK_RESULT"
	TypeInvalidateToken = "INVALIDATE_TOKEN"
)

const silentHarvestMarker = "silent_harvest=true"

var ErrUnknownMessage = errors.New("unknown message type")

// Message is one inbound request. URL is the page URL the sender reported,
// used when the transport carries no sender tab.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	URL     string          `json:"url,omitempty"`
}

// Sender identifies the tab a message came from. Both fields are empty for
// messages from the dashboard itself.
type Sender struct {
	TabID string
	URL   string
}

// Reply is the JSON-encodable answer to a message.
type Reply any

// Failure is the reply when a payload cannot be decoded or a cache operation
// fails.
type Failure struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type Ack struct {
	OK bool `json:"ok"`
}

type TabReply struct {
	TabID string `json:"tabId,omitempty"`
	Error string `json:"error,omitempty"`
}

type ReadyReply struct {
	Ready bool `json:"ready"`
}

type AppsReply struct {
	Apps []models.App `json:"apps"`
}

type RankReply struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Fetcher is satisfied by gateway.Gateway.
type Fetcher interface {
	FetchLegacy(ctx context.Context, req gateway.LegacyRequest) gateway.Result
	FetchRank(ctx context.Context, req gateway.RankRequest) gateway.Result
	ProxyFetch(ctx context.Context, req gateway.ProxyRequest) gateway.ProxyResult
}

// Sessions is satisfied by session.Activator.
type Sessions interface {
	Activate(ctx context.Context) session.Result
	CheckReady(ctx context.Context) bool
	Reset(ctx context.Context) error
}

// Tokens is satisfied by harvest.Harvester.
type Tokens interface {
	Invalidate(ctx context.Context) error
}

// Caches is satisfied by catalog.Catalog.
type Caches interface {
	SaveApps(ctx context.Context, apps []models.App) error
	LoadApps(ctx context.Context) ([]models.App, bool, error)
	ClearApps(ctx context.Context) error
	SaveRank(ctx context.Context, data json.RawMessage) error
	LoadRank(ctx context.Context) (json.RawMessage, bool, error)
}

// Tabs is satisfied by browser.Tabs.
type Tabs interface {
	Open(ctx context.Context, rawURL string, active bool) (string, error)
	Close(ctx context.Context, tabID string) error
}

type Deps struct {
	Fetcher  Fetcher
	Sessions Sessions
	Tokens   Tokens
	Caches   Caches
	Tabs     Tabs
	Signal   *events.Bus[events.TokenHarvested]
}

type handler struct {
	run func(ctx context.Context, payload json.RawMessage, sender Sender) Reply
	// fire-and-forget handlers produce no reply
	oneWay bool
}

type Router struct {
	deps     Deps
	logger   *zap.Logger
	handlers map[string]handler
}

func New(deps Deps, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{deps: deps, logger: logger.With(logging.Component("router"))}
	r.handlers = map[string]handler{
		TypeProxyFetch:            {run: r.proxyFetch},
		TypeFetchRankData:         {run: r.fetchRank},
		TypeFetchLegacy:           {run: r.fetchLegacy},
		TypeProxyFetchJSON:        {run: r.proxyFetchJSON},
		TypeOpenSilentTab:         {run: r.openSilentTab},
		TypeTokenHarvestedSuccess: {run: r.tokenHarvested, oneWay: true},
		TypeActivateSession:       {run: r.activateSession},
		TypeCheckSession:          {run: r.checkSession},
		TypeSaveAppCatalog:        {run: r.saveAppCatalog},
		TypeGetAppCatalog:         {run: r.getAppCatalog},
		TypeClearAppCatalog:       {run: r.clearAppCatalog},
		TypeSaveRankResult:        {run: r.saveRankResult},
		TypeGetRankResult:         {run: r.getRankResult},
		TypeInvalidateToken:       {run: r.invalidateToken},
	}
	return r
}

type requestIDKey struct{}

// WithRequestID tags ctx so Dispatch logs id instead of generating one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Types lists the accepted message tags.
func (r *Router) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// OneWay reports whether msgType is a fire-and-forget message.
func (r *Router) OneWay(msgType string) bool {
	return r.handlers[msgType].oneWay
}

// Dispatch routes msg. Fire-and-forget messages run to completion before
// Dispatch returns and yield a nil channel. Every other message yields a
// channel that receives exactly one reply; the work is bound to ctx.
func (r *Router) Dispatch(ctx context.Context, msg Message, sender Sender) (<-chan Reply, error) {
	h, ok := r.handlers[msg.Type]
	if !ok {
		metrics.Message(msg.Type, "unknown")
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if sender.URL == "" {
		sender.URL = msg.URL
	}

	reqID, _ := ctx.Value(requestIDKey{}).(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	log := r.logger.With(logging.RequestID(reqID), logging.MessageType(msg.Type))
	if sender.TabID != "" {
		log = log.With(logging.TabID(sender.TabID))
	}
	log.Debug("message received")

	if h.oneWay {
		h.run(ctx, msg.Payload, sender)
		metrics.Message(msg.Type, "ok")
		return nil, nil
	}

	out := make(chan Reply, 1)
	go func() {
		reply := h.run(ctx, msg.Payload, sender)
		outcome := outcomeOf(reply)
		metrics.Message(msg.Type, outcome)
		log.Debug("message answered", zap.String("outcome", outcome))
		out <- reply
	}()
	return out, nil
}

func outcomeOf(reply Reply) string {
	switch v := reply.(type) {
	case Failure:
		return "error"
	case gateway.Result:
		if !v.OK {
			return "error"
		}
	case gateway.ProxyResult:
		if !v.OK {
			return "error"
		}
	case session.Result:
		if !v.OK {
			return "error"
		}
	case TabReply:
		if v.Error != "" {
			return "error"
		}
	}
	return "ok"
}

func decode(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func failure(err error) Failure {
	return Failure{OK: false, Error: err.Error()}
}

func (r *Router) proxyFetch(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req gateway.ProxyRequest
	if err := decode(payload, &req); err != nil {
		return gateway.ProxyResult{OK: false, Error: err.Error()}
	}
	return r.deps.Fetcher.ProxyFetch(ctx, req)
}

// fetchRank resets the session flag on failure so the dashboard's next
// check triggers a fresh activation.
func (r *Router) fetchRank(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req gateway.RankRequest
	if err := decode(payload, &req); err != nil {
		return gateway.Result{OK: false, Error: err.Error()}
	}
	res := r.deps.Fetcher.FetchRank(ctx, req)
	if !res.OK && r.deps.Sessions != nil {
		if err := r.deps.Sessions.Reset(ctx); err != nil {
			r.logger.Warn("reset session after rank failure", zap.Error(err))
		}
	}
	return res
}

func (r *Router) fetchLegacy(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req gateway.LegacyRequest
	if err := decode(payload, &req); err != nil {
		return gateway.Result{OK: false, Error: err.Error()}
	}
	return r.deps.Fetcher.FetchLegacy(ctx, req)
}

func (r *Router) proxyFetchJSON(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req gateway.LegacyRequest
	if err := decode(payload, &req); err != nil {
		return gateway.Result{OK: false, Error: err.Error()}
	}
	req.ReturnJSON = true
	req.Encoding = "utf-8"
	return r.deps.Fetcher.FetchLegacy(ctx, req)
}

func (r *Router) openSilentTab(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(payload, &req); err != nil {
		return TabReply{Error: err.Error()}
	}
	if req.URL == "" {
		return TabReply{Error: "url is required"}
	}
	id, err := r.deps.Tabs.Open(ctx, req.URL, false)
	if err != nil {
		return TabReply{Error: err.Error()}
	}
	return TabReply{TabID: id}
}

func (r *Router) tokenHarvested(ctx context.Context, _ json.RawMessage, sender Sender) Reply {
	n := r.deps.Signal.Publish(events.TokenHarvested{TabID: sender.TabID, URL: sender.URL})
	r.logger.Debug("harvest signal published", zap.Int("waiters", n))

	if sender.TabID != "" && strings.Contains(sender.URL, silentHarvestMarker) {
		if err := r.deps.Tabs.Close(ctx, sender.TabID); err != nil {
			r.logger.Debug("close silent harvest tab", logging.TabID(sender.TabID), zap.Error(err))
		}
	}
	return nil
}

func (r *Router) activateSession(ctx context.Context, _ json.RawMessage, _ Sender) Reply {
	return r.deps.Sessions.Activate(ctx)
}

func (r *Router) checkSession(ctx context.Context, _ json.RawMessage, _ Sender) Reply {
	return ReadyReply{Ready: r.deps.Sessions.CheckReady(ctx)}
}

func (r *Router) saveAppCatalog(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req struct {
		Apps []models.App `json:"apps"`
	}
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	if err := r.deps.Caches.SaveApps(ctx, req.Apps); err != nil {
		return failure(err)
	}
	return Ack{OK: true}
}

func (r *Router) getAppCatalog(ctx context.Context, _ json.RawMessage, _ Sender) Reply {
	apps, ok, err := r.deps.Caches.LoadApps(ctx)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return AppsReply{}
	}
	return AppsReply{Apps: apps}
}

func (r *Router) clearAppCatalog(ctx context.Context, _ json.RawMessage, _ Sender) Reply {
	if err := r.deps.Caches.ClearApps(ctx); err != nil {
		return failure(err)
	}
	return Ack{OK: true}
}

func (r *Router) saveRankResult(ctx context.Context, payload json.RawMessage, _ Sender) Reply {
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := decode(payload, &req); err != nil {
		return failure(err)
	}
	if len(req.Data) == 0 {
		return failure(errors.New("data is required"))
	}
	if err := r.deps.Caches.SaveRank(ctx, req.Data); err != nil {
		return failure(err)
	}
	return Ack{OK: true}
}

func (r *Router) getRankResult(ctx context.Context, _ json.RawMessage, _ Sender) Reply {
	data, ok, err := r.deps.Caches.LoadRank(ctx)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return RankReply{}
	}
	return RankReply{Data: data}
}

func (r *Router) invalidateToken(ctx context.Context, _ json.RawMessage, _ Sender) Reply {
	if err := r.deps.Tokens.Invalidate(ctx); err != nil {
		return failure(err)
	}
	return Ack{OK: true}
}
