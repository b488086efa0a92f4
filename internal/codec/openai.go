package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
)

// openaiCodec speaks the OpenAI chat completions schema, which OpenRouter is
// wire-compatible with. The reasoning object and reasoning deltas follow the
// OpenRouter extension.
type openaiCodec struct{}

func (openaiCodec) Format() prism.WireFormat { return prism.FormatOpenAI }

// openaiRequest is the /v1/chat/completions request body.
type openaiRequest struct {
	Model            string               `json:"model"`
	Messages         []openaiMsg          `json:"messages"`
	Tools            []openaiTool         `json:"tools,omitempty"`
	ToolChoice       any                  `json:"tool_choice,omitempty"`
	Stream           bool                 `json:"stream,omitempty"`
	StreamOptions    *openaiStreamOptions `json:"stream_options,omitempty"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
	Seed             *int                 `json:"seed,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	ReasoningEffort  string               `json:"reasoning_effort,omitempty"`
	Reasoning        *openaiReasoning     `json:"reasoning,omitempty"`
}

type openaiMsg struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"` // string or []openaiContentPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object encoded as a string
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiToolDetails `json:"function"`
}

type openaiToolDetails struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// openaiReasoning is the OpenRouter reasoning config object.
type openaiReasoning struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Effort    string `json:"effort,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Exclude   *bool  `json:"exclude,omitempty"`
}

func (openaiCodec) DecodeRequest(body []byte) (*Request, []prism.Warning, error) {
	var in struct {
		openaiRequest
		Messages []struct {
			Role       string           `json:"role"`
			Content    json.RawMessage  `json:"content"`
			ToolCalls  []openaiToolCall `json:"tool_calls"`
			ToolCallID string           `json:"tool_call_id"`
		} `json:"messages"`
		ToolChoice json.RawMessage `json:"tool_choice"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON: %v", prism.ErrBadRequest, err)
	}
	if len(in.Messages) == 0 {
		return nil, nil, fmt.Errorf("%w: messages must not be empty", prism.ErrBadRequest)
	}

	var warnings []prism.Warning
	req := &Request{
		Model:  in.Model,
		Stream: in.Stream,
		Params: prism.Params{
			Temperature:      in.Temperature,
			TopP:             in.TopP,
			MaxTokens:        in.MaxTokens,
			Seed:             in.Seed,
			FrequencyPenalty: in.FrequencyPenalty,
			PresencePenalty:  in.PresencePenalty,
			Stop:             in.Stop,
		},
	}
	if in.ReasoningEffort != "" || in.Reasoning != nil {
		r := &prism.Reasoning{Effort: in.ReasoningEffort}
		if in.Reasoning != nil {
			r.Enabled = in.Reasoning.Enabled
			r.MaxTokens = in.Reasoning.MaxTokens
			r.Exclude = in.Reasoning.Exclude
			if in.Reasoning.Effort != "" {
				r.Effort = in.Reasoning.Effort
			}
		}
		req.Params.Reasoning = r
	}

	sawChat := false
	for _, m := range in.Messages {
		if m.Role != "system" && m.Role != "developer" {
			sawChat = true
		}
		switch m.Role {
		case "system", "developer":
			if sawChat {
				warnings = warn(warnings, "system_hoisted", "system message after the first turn was hoisted into the system prompt")
			}
			req.System = append(req.System, flattenOpenAIContent(m.Content))
		case "user":
			parts, err := decodeOpenAIUserContent(m.Content)
			if err != nil {
				return nil, nil, err
			}
			req.Messages = append(req.Messages, Message{Role: RoleUser, Parts: parts})
		case "assistant":
			msg := Message{Role: RoleAssistant}
			if text := flattenOpenAIContent(m.Content); text != "" {
				msg.Parts = append(msg.Parts, Part{Type: PartText, Text: text})
			}
			for _, tc := range m.ToolCalls {
				msg.Parts = append(msg.Parts, Part{
					Type:       PartToolCall,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					ToolArgs:   argumentsToJSON(tc.Function.Arguments),
				})
			}
			req.Messages = append(req.Messages, msg)
		case "tool":
			req.Messages = append(req.Messages, Message{Role: RoleUser, Parts: []Part{{
				Type:       PartToolResult,
				ToolCallID: m.ToolCallID,
				ToolResult: contentToJSON(m.Content),
			}}})
		default:
			return nil, nil, fmt.Errorf("%w: unsupported message role %q", prism.ErrBadRequest, m.Role)
		}
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(in.ToolChoice) > 0 {
		tc, err := decodeOpenAIToolChoice(in.ToolChoice)
		if err != nil {
			return nil, nil, err
		}
		req.ToolChoice = tc
	}
	return req, warnings, nil
}

func (openaiCodec) EncodeRequest(req *Request) ([]byte, []prism.Warning, error) {
	var warnings []prism.Warning
	out := openaiRequest{
		Model:            req.Model,
		Stream:           req.Stream,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		MaxTokens:        req.Params.MaxTokens,
		Seed:             req.Params.Seed,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Stop:             req.Params.Stop,
	}
	if req.Stream {
		out.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.Params.TopK != nil {
		warnings = warn(warnings, "param_dropped", "top_k is not supported by the openai format")
	}
	if len(req.SafetySettings) > 0 {
		warnings = warn(warnings, "param_dropped", "safetySettings are not supported by the openai format")
	}
	if r := req.Params.Reasoning; r != nil {
		out.ReasoningEffort = r.Effort
		if r.Enabled != nil || r.MaxTokens != nil || r.Exclude != nil {
			out.Reasoning = &openaiReasoning{
				Enabled:   r.Enabled,
				Effort:    r.Effort,
				MaxTokens: r.MaxTokens,
				Exclude:   r.Exclude,
			}
			out.ReasoningEffort = ""
		}
		if r.BudgetTokens != nil && out.Reasoning == nil {
			warnings = warn(warnings, "param_dropped", "think budget has no openai equivalent; use effort")
		}
	}

	if text := req.SystemText(); text != "" {
		out.Messages = append(out.Messages, openaiMsg{Role: "system", Content: text})
	}

	droppedThinking := false
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			msgs, err := encodeOpenAIUserMessage(m)
			if err != nil {
				return nil, warnings, err
			}
			out.Messages = append(out.Messages, msgs...)
		case RoleAssistant:
			msg := openaiMsg{Role: "assistant"}
			var text strings.Builder
			for _, p := range m.Parts {
				switch p.Type {
				case PartText:
					text.WriteString(p.Text)
				case PartThinking:
					droppedThinking = true
				case PartToolCall:
					msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
						ID:   p.ToolCallID,
						Type: "function",
						Function: openaiFunction{
							Name:      p.ToolName,
							Arguments: argumentsToString(p.ToolArgs),
						},
					})
				default:
					return nil, warnings, fmt.Errorf("%w: unsupported assistant content for openai format", prism.ErrBadRequest)
				}
			}
			if text.Len() > 0 {
				msg.Content = text.String()
			}
			out.Messages = append(out.Messages, msg)
		}
	}
	if droppedThinking {
		warnings = warn(warnings, "thinking_dropped", "assistant thinking blocks are not sent upstream in the openai format")
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDetails{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	switch req.ToolChoice.Mode {
	case "":
	case ToolChoiceTool:
		out.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice.Name},
		}
	default:
		out.ToolChoice = req.ToolChoice.Mode
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, err
	}
	body, err = mergeExtra(body, req.Params.Extra)
	return body, warnings, err
}

func (openaiCodec) DecodeResponse(body []byte, requestModel string) (*Response, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("%w: openai response has no choices", prism.ErrInternal)
	}

	msg := Message{Role: RoleAssistant}
	if reasoning := firstExisting(choice, "message.reasoning", "message.reasoning_content"); reasoning != "" {
		msg.Parts = append(msg.Parts, Part{Type: PartThinking, Text: reasoning})
	}
	if content := choice.Get("message.content"); content.Type == gjson.String && content.String() != "" {
		msg.Parts = append(msg.Parts, Part{Type: PartText, Text: content.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		msg.Parts = append(msg.Parts, Part{
			Type:       PartToolCall,
			ToolCallID: tc.Get("id").String(),
			ToolName:   tc.Get("function.name").String(),
			ToolArgs:   argumentsToJSON(tc.Get("function.arguments").String()),
		})
		return true
	})

	model := r.Get("model").String()
	if model == "" {
		model = requestModel
	}
	return &Response{
		ID:           r.Get("id").String(),
		Model:        model,
		Message:      msg,
		FinishReason: finishFromOpenAI(choice.Get("finish_reason").String()),
		Usage: prism.Usage{
			PromptTokens:     int(r.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(r.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(r.Get("usage.total_tokens").Int()),
		},
	}, nil
}

func (openaiCodec) EncodeResponse(resp *Response) ([]byte, error) {
	msg := map[string]any{"role": "assistant", "content": nil}
	var text, reasoning strings.Builder
	var toolCalls []openaiToolCall
	for _, p := range resp.Message.Parts {
		switch p.Type {
		case PartText:
			text.WriteString(p.Text)
		case PartThinking:
			reasoning.WriteString(p.Text)
		case PartToolCall:
			toolCalls = append(toolCalls, openaiToolCall{
				ID:   p.ToolCallID,
				Type: "function",
				Function: openaiFunction{
					Name:      p.ToolName,
					Arguments: argumentsToString(p.ToolArgs),
				},
			})
		}
	}
	if text.Len() > 0 {
		msg["content"] = text.String()
	}
	if reasoning.Len() > 0 {
		msg["reasoning"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	return json.Marshal(map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": string(resp.FinishReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
}

func (openaiCodec) EncodeError(status int, code, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    code,
			"code":    status,
		},
	})
	return b
}

// --- helpers ---

// flattenOpenAIContent extracts plain text from a content field which may be
// a raw string or a structured content array.
func flattenOpenAIContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &arr) == nil {
		var b strings.Builder
		for _, p := range arr {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

func decodeOpenAIUserContent(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []Part{{Type: PartText, Text: s}}, nil
	}
	var arr []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		ImageURL *openaiImageURL `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("%w: invalid user message content", prism.ErrBadRequest)
	}
	var parts []Part
	for _, e := range arr {
		switch e.Type {
		case "text":
			parts = append(parts, Part{Type: PartText, Text: e.Text})
		case "image_url":
			if e.ImageURL == nil {
				return nil, fmt.Errorf("%w: image_url part without url", prism.ErrBadRequest)
			}
			parts = append(parts, imagePartFromURL(e.ImageURL.URL))
		default:
			return nil, fmt.Errorf("%w: unsupported content part type %q", prism.ErrBadRequest, e.Type)
		}
	}
	return parts, nil
}

// imagePartFromURL splits a data URI into media type and payload, or keeps a
// remote URL as-is.
func imagePartFromURL(u string) Part {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		if mediaType, data, found := strings.Cut(rest, ";base64,"); found {
			return Part{Type: PartImage, MediaType: mediaType, Data: data}
		}
	}
	return Part{Type: PartImage, URL: u}
}

// dataURI renders an inline image part back to an OpenAI image url.
func dataURI(p Part) string {
	if p.URL != "" {
		return p.URL
	}
	return "data:" + p.MediaType + ";base64," + p.Data
}

// encodeOpenAIUserMessage renders a canonical user message. Tool results
// become their own role:"tool" messages; remaining parts form the user turn.
func encodeOpenAIUserMessage(m Message) ([]openaiMsg, error) {
	var out []openaiMsg
	var content []openaiContentPart
	textOnly := true
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			content = append(content, openaiContentPart{Type: "text", Text: p.Text})
		case PartImage:
			textOnly = false
			content = append(content, openaiContentPart{
				Type:     "image_url",
				ImageURL: &openaiImageURL{URL: dataURI(p)},
			})
		case PartToolResult:
			out = append(out, openaiMsg{
				Role:       "tool",
				ToolCallID: p.ToolCallID,
				Content:    argumentsToString(p.ToolResult),
			})
		default:
			return nil, fmt.Errorf("%w: unsupported user content for openai format", prism.ErrBadRequest)
		}
	}
	if len(content) > 0 {
		msg := openaiMsg{Role: "user"}
		if textOnly && len(content) == 1 {
			msg.Content = content[0].Text
		} else {
			msg.Content = content
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeOpenAIToolChoice(raw json.RawMessage) (ToolChoice, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto", "none", "required":
			return ToolChoice{Mode: s}, nil
		}
		return ToolChoice{}, fmt.Errorf("%w: unsupported tool_choice %q", prism.ErrBadRequest, s)
	}
	name := gjson.GetBytes(raw, "function.name").String()
	if name == "" {
		return ToolChoice{}, fmt.Errorf("%w: invalid tool_choice object", prism.ErrBadRequest)
	}
	return ToolChoice{Mode: ToolChoiceTool, Name: name}, nil
}

// argumentsToJSON parses an arguments string into its JSON object, defaulting
// to an empty object for blank or malformed input.
func argumentsToJSON(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(s)
}

// argumentsToString renders a JSON value as the string form OpenAI expects:
// objects and arrays serialized, plain strings unquoted.
func argumentsToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// contentToJSON interprets a tool message's content as a JSON value, falling
// back to treating it as plain text.
func contentToJSON(raw json.RawMessage) json.RawMessage {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		q, _ := json.Marshal(s)
		return q
	}
	return raw
}

func firstExisting(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func finishFromOpenAI(s string) prism.FinishReason {
	switch s {
	case "stop":
		return prism.FinishStop
	case "length":
		return prism.FinishLength
	case "tool_calls", "function_call":
		return prism.FinishToolCalls
	case "content_filter":
		return prism.FinishContentFilter
	default:
		return prism.FinishReason(s)
	}
}

// mergeExtra overlays unrecognized selector params onto a marshalled request
// body. Values that parse as JSON literals keep their type, everything else
// passes through as a string.
func mergeExtra(body []byte, extra map[string]string) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err == nil {
			m[k] = val
		} else {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
