// Package prism defines domain types shared across the Prism proxy.
// This package has no project imports -- it is the dependency root.
package prism

import (
	"context"
)

// --- Wire formats ---

// WireFormat identifies one of the three chat-completion wire schemas the
// proxy speaks on both the ingress and upstream side.
type WireFormat int

const (
	FormatOpenAI WireFormat = iota // OpenAI /v1/chat/completions
	FormatAnthropic                // Anthropic /v1/messages
	FormatGemini                   // Gemini :generateContent
)

// String returns the config/log identifier for the format.
func (f WireFormat) String() string {
	switch f {
	case FormatOpenAI:
		return "openai_chat"
	case FormatAnthropic:
		return "anthropic_messages"
	case FormatGemini:
		return "gemini_generate"
	default:
		return "unknown"
	}
}

// --- Provider kinds ---

// ProviderKind names the upstream API family of a configured provider.
// It determines the wire format used on the provider side and the way
// credentials are attached.
type ProviderKind string

const (
	KindAnthropic  ProviderKind = "anthropic"
	KindOpenAI     ProviderKind = "openai"
	KindGemini     ProviderKind = "gemini"
	KindOpenRouter ProviderKind = "openrouter"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindAnthropic, KindOpenAI, KindGemini, KindOpenRouter:
		return true
	}
	return false
}

// WireFormat returns the wire format spoken by providers of this kind.
// OpenRouter is OpenAI-compatible on the wire.
func (k ProviderKind) WireFormat() WireFormat {
	switch k {
	case KindAnthropic:
		return FormatAnthropic
	case KindGemini:
		return FormatGemini
	default:
		return FormatOpenAI
	}
}

// --- Finish reasons ---

// FinishReason is the canonical completion-stop cause. Each codec maps it to
// and from the format-native value.
type FinishReason string

const (
	FinishNone          FinishReason = ""
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// --- Usage ---

// Usage holds token counters mapped by closest equivalent across formats.
// Absent counters stay zero; codecs must not fabricate them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Inference parameters ---

// Reasoning carries the reasoning/thinking surface shared by the selector
// params and the codecs. Destinations without a reasoning surface drop it
// with a warning.
type Reasoning struct {
	Enabled         *bool  // reasoning=<bool>
	Effort          string // effort={low,medium,high}
	BudgetTokens    *int   // think=<int>, token budget
	MaxTokens       *int   // reasoning_max_tokens=<int>
	IncludeThoughts bool   // thoughts=<bool>, emit reasoning content
	Exclude         *bool  // reasoning_exclude=<bool>
}

// Params are the canonical sampling and routing parameters. They originate
// either from the request body or from a selector's ?query suffix; selector
// params win on conflict. Extra holds unrecognized keys verbatim for
// per-kind adapters to interpret or ignore.
type Params struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	Seed             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Reasoning        *Reasoning
	Extra            map[string]string
}

// Merge returns p with every field set in overlay replacing the base value.
// Unset overlay fields leave the base untouched; Extra maps are unioned with
// overlay keys winning.
func (p Params) Merge(overlay Params) Params {
	out := p
	if overlay.Temperature != nil {
		out.Temperature = overlay.Temperature
	}
	if overlay.TopP != nil {
		out.TopP = overlay.TopP
	}
	if overlay.TopK != nil {
		out.TopK = overlay.TopK
	}
	if overlay.MaxTokens != nil {
		out.MaxTokens = overlay.MaxTokens
	}
	if overlay.Seed != nil {
		out.Seed = overlay.Seed
	}
	if overlay.FrequencyPenalty != nil {
		out.FrequencyPenalty = overlay.FrequencyPenalty
	}
	if overlay.PresencePenalty != nil {
		out.PresencePenalty = overlay.PresencePenalty
	}
	if len(overlay.Stop) > 0 {
		out.Stop = overlay.Stop
	}
	if overlay.Reasoning != nil {
		out.Reasoning = overlay.Reasoning
	}
	if len(overlay.Extra) > 0 {
		merged := make(map[string]string, len(p.Extra)+len(overlay.Extra))
		for k, v := range p.Extra {
			merged[k] = v
		}
		for k, v := range overlay.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// --- Warnings ---

// Warning is a structured non-fatal event raised during conversion, e.g. a
// parameter the destination format cannot express. Warnings are logged, never
// silently swallowed.
type Warning struct {
	Code    string // e.g. "param_dropped", "system_hoisted", "unknown_event"
	Message string
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
