// Package selector parses the client-supplied model string into its
// structured form: provider key, model id, optional variant hint, and typed
// inference parameters.
//
// Grammar:
//
//	selector := provider "/" model_id [ ":" variant ] [ "?" query ]
//
// The model id may itself contain "/" (e.g. openrouter/z-ai/glm-4.5). A
// string without "/" is not a selector; the router treats it as an alias
// lookup key.
package selector

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	prism "github.com/prismproxy/prism/internal"
)

// Selector is the structured form of a model string.
type Selector struct {
	Provider string       // names a providers.<key> config entry
	Model    string       // upstream model id, may contain "/"
	Variant  string       // opaque provider-routing hint, ":xxx" suffix
	Params   prism.Params // typed ?k=v parameters
}

// IsSelector reports whether s has the provider/model shape. The check
// ignores any ?query suffix so "alias?temperature=1" is still an alias.
func IsSelector(s string) bool {
	head, _, _ := strings.Cut(s, "?")
	return strings.Contains(head, "/")
}

// Parse decodes a selector string. The input must contain a "/" separating
// the provider key from the model id.
func Parse(s string) (*Selector, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty model string", prism.ErrBadRequest)
	}
	head, query, hasQuery := strings.Cut(s, "?")

	provider, rest, ok := strings.Cut(head, "/")
	if !ok || provider == "" || rest == "" {
		return nil, fmt.Errorf("%w: %q is not a provider/model selector", prism.ErrBadRequest, s)
	}

	sel := &Selector{Provider: provider, Model: rest}
	// A single ":variant" suffix; the split is at the last colon so model
	// ids containing ":" in earlier segments keep working.
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		sel.Model, sel.Variant = rest[:i], rest[i+1:]
		if sel.Model == "" || sel.Variant == "" {
			return nil, fmt.Errorf("%w: malformed variant in %q", prism.ErrBadRequest, s)
		}
	}

	if hasQuery {
		params, err := ParseQuery(query)
		if err != nil {
			return nil, err
		}
		sel.Params = params
	}
	return sel, nil
}

// String renders the selector back to its string form. Parameters appear in
// sorted key order, so render(parse(s)) == s modulo parameter ordering.
func (s *Selector) String() string {
	var b strings.Builder
	b.WriteString(s.Provider)
	b.WriteByte('/')
	b.WriteString(s.Model)
	if s.Variant != "" {
		b.WriteByte(':')
		b.WriteString(s.Variant)
	}
	if q := renderParams(s.Params); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// reserved maps recognized query keys to their parse functions. Each function
// sets the corresponding field on the Params under construction.
var reserved = map[string]func(*prism.Params, string) error{
	"temperature":       func(p *prism.Params, v string) error { return setFloat(&p.Temperature, "temperature", v) },
	"top_p":             func(p *prism.Params, v string) error { return setFloat(&p.TopP, "top_p", v) },
	"frequency_penalty": func(p *prism.Params, v string) error { return setFloat(&p.FrequencyPenalty, "frequency_penalty", v) },
	"presence_penalty":  func(p *prism.Params, v string) error { return setFloat(&p.PresencePenalty, "presence_penalty", v) },
	"max_tokens":        func(p *prism.Params, v string) error { return setInt(&p.MaxTokens, "max_tokens", v) },
	"top_k":             func(p *prism.Params, v string) error { return setInt(&p.TopK, "top_k", v) },
	"seed":              func(p *prism.Params, v string) error { return setInt(&p.Seed, "seed", v) },
	"stop": func(p *prism.Params, v string) error {
		p.Stop = strings.Split(v, ",")
		return nil
	},
	"think": func(p *prism.Params, v string) error {
		return setInt(&ensureReasoning(p).BudgetTokens, "think", v)
	},
	"thoughts": func(p *prism.Params, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return typeErr("thoughts", v, "bool")
		}
		ensureReasoning(p).IncludeThoughts = b
		return nil
	},
	"reasoning": func(p *prism.Params, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return typeErr("reasoning", v, "bool")
		}
		ensureReasoning(p).Enabled = &b
		return nil
	},
	"effort": func(p *prism.Params, v string) error {
		switch v {
		case "low", "medium", "high":
			ensureReasoning(p).Effort = v
			return nil
		}
		return typeErr("effort", v, "low|medium|high")
	},
	"reasoning_max_tokens": func(p *prism.Params, v string) error {
		return setInt(&ensureReasoning(p).MaxTokens, "reasoning_max_tokens", v)
	},
	"reasoning_exclude": func(p *prism.Params, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return typeErr("reasoning_exclude", v, "bool")
		}
		ensureReasoning(p).Exclude = &b
		return nil
	},
}

// ParseQuery decodes a ?k=v parameter string into typed Params. It is also
// used on its own for "alias?params" model strings, where the query applies on
// top of the alias's resolved targets.
func ParseQuery(query string) (prism.Params, error) {
	var p prism.Params
	values, err := url.ParseQuery(query)
	if err != nil {
		return p, fmt.Errorf("%w: malformed selector query %q: %v", prism.ErrBadRequest, query, err)
	}

	// Deterministic order keeps error messages stable.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		vals := values[k]
		set, known := reserved[k]
		if !known {
			// Unknown keys pass through verbatim for per-kind adapters.
			if p.Extra == nil {
				p.Extra = make(map[string]string)
			}
			p.Extra[k] = vals[len(vals)-1]
			continue
		}
		if len(vals) > 1 {
			return p, fmt.Errorf("%w: duplicate parameter %q", prism.ErrBadRequest, k)
		}
		if err := set(&p, vals[0]); err != nil {
			return p, err
		}
	}
	return p, nil
}

// renderParams serializes params in sorted key order.
func renderParams(p prism.Params) string {
	kv := map[string]string{}
	if p.Temperature != nil {
		kv["temperature"] = formatFloat(*p.Temperature)
	}
	if p.TopP != nil {
		kv["top_p"] = formatFloat(*p.TopP)
	}
	if p.FrequencyPenalty != nil {
		kv["frequency_penalty"] = formatFloat(*p.FrequencyPenalty)
	}
	if p.PresencePenalty != nil {
		kv["presence_penalty"] = formatFloat(*p.PresencePenalty)
	}
	if p.MaxTokens != nil {
		kv["max_tokens"] = strconv.Itoa(*p.MaxTokens)
	}
	if p.TopK != nil {
		kv["top_k"] = strconv.Itoa(*p.TopK)
	}
	if p.Seed != nil {
		kv["seed"] = strconv.Itoa(*p.Seed)
	}
	if len(p.Stop) > 0 {
		kv["stop"] = strings.Join(p.Stop, ",")
	}
	if r := p.Reasoning; r != nil {
		if r.BudgetTokens != nil {
			kv["think"] = strconv.Itoa(*r.BudgetTokens)
		}
		if r.IncludeThoughts {
			kv["thoughts"] = "true"
		}
		if r.Enabled != nil {
			kv["reasoning"] = strconv.FormatBool(*r.Enabled)
		}
		if r.Effort != "" {
			kv["effort"] = r.Effort
		}
		if r.MaxTokens != nil {
			kv["reasoning_max_tokens"] = strconv.Itoa(*r.MaxTokens)
		}
		if r.Exclude != nil {
			kv["reasoning_exclude"] = strconv.FormatBool(*r.Exclude)
		}
	}
	for k, v := range p.Extra {
		kv[k] = v
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[k]))
	}
	return b.String()
}

func ensureReasoning(p *prism.Params) *prism.Reasoning {
	if p.Reasoning == nil {
		p.Reasoning = &prism.Reasoning{}
	}
	return p.Reasoning
}

func setFloat(dst **float64, key, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return typeErr(key, v, "float")
	}
	*dst = &f
	return nil
}

func setInt(dst **int, key, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return typeErr(key, v, "int")
	}
	*dst = &n
	return nil
}

func typeErr(key, val, want string) error {
	return fmt.Errorf("%w: parameter %s=%q: expected %s", prism.ErrBadRequest, key, val, want)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
