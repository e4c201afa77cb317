package rules

import (
	"context"
	"net/http"

	"github.com/rsclarke/portalgate/internal/logging"
)

type contextKey string

const resourceTypeKey contextKey = "resourceType"

// WithResourceType tags outbound requests made with ctx. Untagged requests
// are treated as ResourceOther.
func WithResourceType(ctx context.Context, rt ResourceType) context.Context {
	return context.WithValue(ctx, resourceTypeKey, rt)
}

func ResourceTypeFrom(ctx context.Context) ResourceType {
	if rt, ok := ctx.Value(resourceTypeKey).(ResourceType); ok {
		return rt
	}
	return ResourceOther
}

// Transport returns a RoundTripper that applies the matching rule to each
// request before handing it to base.
func (e *Engine) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ruleTransport{engine: e, base: base}
}

type ruleTransport struct {
	engine *Engine
	base   http.RoundTripper
}

func (t *ruleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rule, ok := t.engine.Match(req.URL.String(), ResourceTypeFrom(req.Context()))
	if !ok {
		return t.base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.Header.Set("Origin", rule.Origin)
	if rule.Referer != "" {
		out.Header.Set("Referer", rule.Referer)
	}
	t.engine.logger.Debug("header rule applied",
		logging.RuleID(rule.ID),
		logging.URL(req.URL.String()))

	return t.base.RoundTrip(out)
}
