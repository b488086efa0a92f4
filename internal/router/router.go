// Package router maps the request's model string to an ordered list of
// concrete selectors. A model string is either a full provider/model selector,
// used as-is, or an alias defined under routing.models, resolved in one step
// to its configured target list.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/config"
	"github.com/prismproxy/prism/internal/selector"
)

// resolveCacheTTL bounds how long a resolved model string stays cached.
// Resolution is pure parsing over a static table, so the TTL only caps
// memory for pathological clients that send unique strings per request.
const resolveCacheTTL = time.Minute

// Table resolves model strings against the configured alias routes.
type Table struct {
	routes map[string][]selector.Selector
	cache  *otter.Cache[string, []selector.Selector]
}

// New builds a Table from the routing config. Every route target is parsed
// eagerly so malformed selectors fail at startup, not per-request.
func New(cfg config.RoutingConfig) (*Table, error) {
	routes := make(map[string][]selector.Selector, len(cfg.Models))
	for alias, route := range cfg.Models {
		targets := make([]selector.Selector, len(route.Selectors))
		for i, s := range route.Selectors {
			sel, err := selector.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", alias, err)
			}
			targets[i] = *sel
		}
		routes[alias] = targets
	}

	cache := otter.Must(&otter.Options[string, []selector.Selector]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, []selector.Selector](resolveCacheTTL),
	})
	return &Table{routes: routes, cache: cache}, nil
}

// Aliases returns the configured alias names in sorted order.
func (t *Table) Aliases() []string {
	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a model string to its ordered attempt list. The first selector
// is primary and the rest are fallbacks. An alias may carry a ?query suffix
// whose params apply on top of every resolved target.
func (t *Table) Resolve(model string) ([]selector.Selector, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: empty model", prism.ErrBadRequest)
	}
	if cached, ok := t.cache.GetIfPresent(model); ok {
		return cached, nil
	}
	resolved, err := t.resolve(model)
	if err != nil {
		return nil, err
	}
	t.cache.Set(model, resolved)
	return resolved, nil
}

func (t *Table) resolve(model string) ([]selector.Selector, error) {
	if selector.IsSelector(model) {
		sel, err := selector.Parse(model)
		if err != nil {
			return nil, err
		}
		return []selector.Selector{*sel}, nil
	}

	name, query, hasQuery := strings.Cut(model, "?")
	targets, ok := t.routes[name]
	if !ok {
		known := t.Aliases()
		if len(known) == 0 {
			return nil, fmt.Errorf("%w: %q is not a selector and no aliases are configured", prism.ErrRouteNotFound, name)
		}
		return nil, fmt.Errorf("%w: unknown alias %q (configured: %s)", prism.ErrRouteNotFound, name, strings.Join(known, ", "))
	}

	var overlay prism.Params
	if hasQuery {
		p, err := selector.ParseQuery(query)
		if err != nil {
			return nil, err
		}
		overlay = p
	}

	resolved := make([]selector.Selector, len(targets))
	for i, target := range targets {
		resolved[i] = target
		if hasQuery {
			resolved[i].Params = target.Params.Merge(overlay)
		}
	}
	return resolved, nil
}

// directivePattern matches an HTML-comment routing directive. Only the first
// non-empty line of the system text is considered.
var directivePattern = regexp.MustCompile(`^<!--\s*(.+?)\s*-->$`)

// Directive extracts a routing directive from system text. A directive is an
// HTML comment on the first non-empty line, e.g. "<!-- fast -->" or
// "<!-- openrouter/z-ai/glm-4.5?temperature=0.2 -->". When present it
// overrides the request's model field.
func Directive(system string) (string, bool) {
	for line := range strings.Lines(system) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := directivePattern.FindStringSubmatch(line)
		if m == nil {
			return "", false
		}
		return m[1], true
	}
	return "", false
}
