// Package rules rewrites the Origin and Referer headers of outbound requests
// so legacy portal endpoints accept them.
//
// Rules mirror the browser's declarativeNetRequest "modifyHeaders" rules: each
// has a fixed id, a URL filter and a set of resource types. Installing a rule
// replaces any rule with the same id. Rules live only in memory.
package rules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/logging"
)

// Fixed rule ids. At most one rule per id is active at a time.
const (
	RuleRank   = 1
	RuleLegacy = 2
)

type ResourceType string

const (
	ResourceXHR       ResourceType = "xmlhttprequest"
	ResourceMainFrame ResourceType = "main_frame"
	ResourceSubFrame  ResourceType = "sub_frame"
	ResourceOther     ResourceType = "other"
)

var ErrInvalidRule = errors.New("invalid header rule")

// HeaderRule sets Origin and Referer on requests whose URL matches URLFilter
// and whose resource type is listed.
type HeaderRule struct {
	ID            int            `json:"id"`
	Priority      int            `json:"priority"`
	Origin        string         `json:"origin"`
	Referer       string         `json:"referer"`
	URLFilter     string         `json:"urlFilter"`
	ResourceTypes []ResourceType `json:"resourceTypes"`
}

type compiledRule struct {
	HeaderRule
	filter *filter
	types  map[ResourceType]bool
}

// Engine holds the active rule set.
type Engine struct {
	mu     sync.RWMutex
	rules  map[int]*compiledRule
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rules:  make(map[int]*compiledRule),
		logger: logger,
	}
}

// Install validates r and atomically swaps it in for any rule with the same
// id. An invalid rule leaves the active set untouched.
func (e *Engine) Install(ctx context.Context, r HeaderRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cr, err := compile(r)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules[r.ID] = cr
	e.mu.Unlock()

	e.logger.Debug("header rule installed",
		logging.RuleID(r.ID),
		zap.String("url_filter", r.URLFilter),
		zap.String("referer", r.Referer))
	return nil
}

// Remove drops the rules with the given ids. Unknown ids are ignored.
func (e *Engine) Remove(ids ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.rules, id)
	}
}

// Rules returns a snapshot of the active rules ordered by id.
func (e *Engine) Rules() []HeaderRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]HeaderRule, 0, len(e.rules))
	for _, cr := range e.rules {
		r := cr.HeaderRule
		r.ResourceTypes = append([]ResourceType(nil), r.ResourceTypes...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns the rule that applies to rawURL for resource type rt: the
// matching rule with the highest priority, ties going to the lower id.
func (e *Engine) Match(rawURL string, rt ResourceType) (HeaderRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *compiledRule
	for _, cr := range e.rules {
		if !cr.types[rt] || !cr.filter.match(rawURL) {
			continue
		}
		if best == nil || cr.Priority > best.Priority ||
			(cr.Priority == best.Priority && cr.ID < best.ID) {
			best = cr
		}
	}
	if best == nil {
		return HeaderRule{}, false
	}
	return best.HeaderRule, true
}

func compile(r HeaderRule) (*compiledRule, error) {
	if r.ID <= 0 {
		return nil, fmt.Errorf("%w: id must be positive, got %d", ErrInvalidRule, r.ID)
	}
	if r.URLFilter == "" {
		return nil, fmt.Errorf("%w: rule %d has an empty url filter", ErrInvalidRule, r.ID)
	}
	if len(r.ResourceTypes) == 0 {
		return nil, fmt.Errorf("%w: rule %d has no resource types", ErrInvalidRule, r.ID)
	}
	if !isAbsolute(r.Origin) {
		return nil, fmt.Errorf("%w: rule %d origin %q is not an absolute URL", ErrInvalidRule, r.ID, r.Origin)
	}
	if r.Referer != "" && !isAbsolute(r.Referer) {
		return nil, fmt.Errorf("%w: rule %d referer %q is not an absolute URL", ErrInvalidRule, r.ID, r.Referer)
	}
	if r.Priority == 0 {
		r.Priority = 1
	}

	f, err := compileFilter(r.URLFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, r.ID, err)
	}

	types := make(map[ResourceType]bool, len(r.ResourceTypes))
	for _, t := range r.ResourceTypes {
		types[t] = true
	}
	r.ResourceTypes = append([]ResourceType(nil), r.ResourceTypes...)

	return &compiledRule{HeaderRule: r, filter: f, types: types}, nil
}

func isAbsolute(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
