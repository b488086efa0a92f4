package codec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
)

// anthropicCodec speaks the Anthropic Messages API schema.
type anthropicCodec struct{}

func (anthropicCodec) Format() prism.WireFormat { return prism.FormatAnthropic }

// defaultMaxTokens is used when neither the request body nor the selector
// sets max_tokens; the Messages API requires the field.
const defaultMaxTokens = 4096

// anthropicRequest is the /v1/messages request body.
type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	System        string               `json:"system,omitempty"`
	Messages      []anthropicMsg       `json:"messages"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int                 `json:"top_k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Thinking      *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (anthropicCodec) DecodeRequest(body []byte) (*Request, []prism.Warning, error) {
	var in struct {
		Model         string               `json:"model"`
		MaxTokens     *int                 `json:"max_tokens"`
		System        json.RawMessage      `json:"system"`
		Messages      []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		Tools         []anthropicTool      `json:"tools"`
		ToolChoice    *anthropicToolChoice `json:"tool_choice"`
		Stream        bool                 `json:"stream"`
		Temperature   *float64             `json:"temperature"`
		TopP          *float64             `json:"top_p"`
		TopK          *int                 `json:"top_k"`
		StopSequences []string             `json:"stop_sequences"`
		Thinking      *anthropicThinking   `json:"thinking"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON: %v", prism.ErrBadRequest, err)
	}
	if len(in.Messages) == 0 {
		return nil, nil, fmt.Errorf("%w: messages must not be empty", prism.ErrBadRequest)
	}

	req := &Request{
		Model:  in.Model,
		Stream: in.Stream,
		Params: prism.Params{
			Temperature: in.Temperature,
			TopP:        in.TopP,
			TopK:        in.TopK,
			MaxTokens:   in.MaxTokens,
			Stop:        in.StopSequences,
		},
	}
	if in.Thinking != nil {
		enabled := in.Thinking.Type == "enabled"
		r := &prism.Reasoning{Enabled: &enabled}
		if enabled && in.Thinking.BudgetTokens > 0 {
			budget := in.Thinking.BudgetTokens
			r.BudgetTokens = &budget
		}
		req.Params.Reasoning = r
	}

	if len(in.System) > 0 {
		text, err := flattenAnthropicText(in.System)
		if err != nil {
			return nil, nil, err
		}
		if text != "" {
			req.System = append(req.System, text)
		}
	}

	for _, m := range in.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, nil, fmt.Errorf("%w: unsupported message role %q", prism.ErrBadRequest, m.Role)
		}
		parts, err := decodeAnthropicContent(m.Content)
		if err != nil {
			return nil, nil, err
		}
		req.Messages = append(req.Messages, Message{Role: m.Role, Parts: parts})
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if in.ToolChoice != nil {
		switch in.ToolChoice.Type {
		case "auto":
			req.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		case "none":
			req.ToolChoice = ToolChoice{Mode: ToolChoiceNone}
		case "any":
			req.ToolChoice = ToolChoice{Mode: ToolChoiceRequired}
		case "tool":
			req.ToolChoice = ToolChoice{Mode: ToolChoiceTool, Name: in.ToolChoice.Name}
		default:
			return nil, nil, fmt.Errorf("%w: unsupported tool_choice type %q", prism.ErrBadRequest, in.ToolChoice.Type)
		}
	}
	return req, nil, nil
}

func (anthropicCodec) EncodeRequest(req *Request) ([]byte, []prism.Warning, error) {
	var warnings []prism.Warning
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		System:        req.SystemText(),
		Stream:        req.Stream,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		TopK:          req.Params.TopK,
		StopSequences: req.Params.Stop,
	}
	if req.Params.MaxTokens != nil {
		out.MaxTokens = *req.Params.MaxTokens
	}
	for _, key := range []string{"seed", "frequency_penalty", "presence_penalty"} {
		if paramSet(req.Params, key) {
			warnings = warn(warnings, "param_dropped", key+" is not supported by the anthropic format")
		}
	}
	if len(req.SafetySettings) > 0 {
		warnings = warn(warnings, "param_dropped", "safetySettings are not supported by the anthropic format")
	}
	if r := req.Params.Reasoning; r != nil {
		switch {
		case r.Enabled != nil && !*r.Enabled:
			out.Thinking = &anthropicThinking{Type: "disabled"}
		case r.BudgetTokens != nil:
			out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: *r.BudgetTokens}
		case r.Enabled != nil && *r.Enabled:
			// Enabled without a budget; the API requires one.
			out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: 1024}
		}
		if r.Effort != "" {
			warnings = warn(warnings, "param_dropped", "effort is not supported by the anthropic format")
		}
	}

	for _, m := range req.Messages {
		blocks, err := encodeAnthropicParts(m.Parts)
		if err != nil {
			return nil, warnings, err
		}
		if len(blocks) == 0 {
			continue
		}
		out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: blocks})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	switch req.ToolChoice.Mode {
	case "":
	case ToolChoiceAuto:
		out.ToolChoice = &anthropicToolChoice{Type: "auto"}
	case ToolChoiceNone:
		out.ToolChoice = &anthropicToolChoice{Type: "none"}
	case ToolChoiceRequired:
		out.ToolChoice = &anthropicToolChoice{Type: "any"}
	case ToolChoiceTool:
		out.ToolChoice = &anthropicToolChoice{Type: "tool", Name: req.ToolChoice.Name}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, err
	}
	body, err = mergeExtra(body, req.Params.Extra)
	return body, warnings, err
}

func (anthropicCodec) DecodeResponse(body []byte, requestModel string) (*Response, error) {
	r := gjson.ParseBytes(body)

	msg := Message{Role: RoleAssistant}
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			msg.Parts = append(msg.Parts, Part{Type: PartText, Text: block.Get("text").String()})
		case "thinking":
			msg.Parts = append(msg.Parts, Part{
				Type:      PartThinking,
				Text:      block.Get("thinking").String(),
				Signature: block.Get("signature").String(),
			})
		case "tool_use":
			msg.Parts = append(msg.Parts, Part{
				Type:       PartToolCall,
				ToolCallID: block.Get("id").String(),
				ToolName:   block.Get("name").String(),
				ToolArgs:   rawOrEmptyObject(block.Get("input")),
			})
		}
		return true
	})

	model := r.Get("model").String()
	if model == "" {
		model = requestModel
	}
	in := int(r.Get("usage.input_tokens").Int())
	out := int(r.Get("usage.output_tokens").Int())
	return &Response{
		ID:           r.Get("id").String(),
		Model:        model,
		Message:      msg,
		FinishReason: finishFromAnthropic(r.Get("stop_reason").String()),
		Usage:        prism.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func (anthropicCodec) EncodeResponse(resp *Response) ([]byte, error) {
	blocks := []anthropicBlock{}
	for _, p := range resp.Message.Parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case PartThinking:
			blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case PartToolCall:
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: p.ToolArgs,
			})
		}
	}
	return json.Marshal(map[string]any{
		"id":            resp.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       blocks,
		"stop_reason":   finishToAnthropic(resp.FinishReason),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	})
}

func (anthropicCodec) EncodeError(status int, code, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    code,
			"message": message,
		},
	})
	return b
}

// --- helpers ---

// flattenAnthropicText extracts text from a field that may be a plain string
// or an array of text blocks.
func flattenAnthropicText(raw json.RawMessage) (string, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("%w: invalid system content", prism.ErrBadRequest)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n\n"
			}
			out += b.Text
		}
	}
	return out, nil
}

func decodeAnthropicContent(raw json.RawMessage) ([]Part, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []Part{{Type: PartText, Text: s}}, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("%w: invalid message content", prism.ErrBadRequest)
	}
	var parts []Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, Part{Type: PartText, Text: b.Text})
		case "thinking":
			parts = append(parts, Part{Type: PartThinking, Text: b.Thinking, Signature: b.Signature})
		case "redacted_thinking":
			// Opaque; nothing to convert.
		case "image":
			if b.Source == nil {
				return nil, fmt.Errorf("%w: image block without source", prism.ErrBadRequest)
			}
			parts = append(parts, Part{
				Type:      PartImage,
				MediaType: b.Source.MediaType,
				Data:      b.Source.Data,
				URL:       b.Source.URL,
			})
		case "tool_use":
			parts = append(parts, Part{
				Type:       PartToolCall,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				ToolArgs:   b.Input,
			})
		case "tool_result":
			parts = append(parts, Part{
				Type:        PartToolResult,
				ToolCallID:  b.ToolUseID,
				ToolResult:  b.Content,
				ToolIsError: b.IsError,
			})
		default:
			return nil, fmt.Errorf("%w: unsupported content block type %q", prism.ErrBadRequest, b.Type)
		}
	}
	return parts, nil
}

func encodeAnthropicParts(parts []Part) ([]anthropicBlock, error) {
	var blocks []anthropicBlock
	for _, p := range parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case PartThinking:
			blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case PartImage:
			src := &anthropicImageSource{}
			if p.URL != "" {
				src.Type = "url"
				src.URL = p.URL
			} else {
				src.Type = "base64"
				src.MediaType = p.MediaType
				src.Data = p.Data
			}
			blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
		case PartToolCall:
			input := p.ToolArgs
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: input,
			})
		case PartToolResult:
			blocks = append(blocks, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolCallID,
				Content:   p.ToolResult,
				IsError:   p.ToolIsError,
			})
		default:
			return nil, fmt.Errorf("%w: unsupported content part", prism.ErrBadRequest)
		}
	}
	return blocks, nil
}

func paramSet(p prism.Params, key string) bool {
	switch key {
	case "seed":
		return p.Seed != nil
	case "frequency_penalty":
		return p.FrequencyPenalty != nil
	case "presence_penalty":
		return p.PresencePenalty != nil
	}
	return false
}

func rawOrEmptyObject(r gjson.Result) json.RawMessage {
	if r.Exists() && r.IsObject() {
		return json.RawMessage(r.Raw)
	}
	return json.RawMessage(`{}`)
}

func finishFromAnthropic(reason string) prism.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return prism.FinishStop
	case "max_tokens":
		return prism.FinishLength
	case "tool_use":
		return prism.FinishToolCalls
	case "refusal":
		return prism.FinishContentFilter
	case "":
		return prism.FinishNone
	default:
		return prism.FinishReason(reason)
	}
}

func finishToAnthropic(reason prism.FinishReason) string {
	switch reason {
	case prism.FinishStop, prism.FinishNone:
		return "end_turn"
	case prism.FinishLength:
		return "max_tokens"
	case prism.FinishToolCalls:
		return "tool_use"
	case prism.FinishContentFilter:
		return "refusal"
	default:
		return string(reason)
	}
}
