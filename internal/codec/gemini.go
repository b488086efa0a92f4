package codec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
)

// geminiCodec speaks the Gemini generateContent schema. The model never
// appears in the body; it rides in the URL path, so callers fill Request.Model
// and Response.Model from routing context.
type geminiCodec struct{}

func (geminiCodec) Format() prism.WireFormat { return prism.FormatGemini }

// geminiRequest is the :generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	SafetySettings    json.RawMessage   `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenConfig struct {
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"topP,omitempty"`
	TopK             *int                  `json:"topK,omitempty"`
	MaxOutputTokens  *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences    []string              `json:"stopSequences,omitempty"`
	Seed             *int                  `json:"seed,omitempty"`
	FrequencyPenalty *float64              `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64              `json:"presencePenalty,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

func (geminiCodec) DecodeRequest(body []byte) (*Request, []prism.Warning, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON: %v", prism.ErrBadRequest, err)
	}
	if len(in.Contents) == 0 {
		return nil, nil, fmt.Errorf("%w: contents must not be empty", prism.ErrBadRequest)
	}

	req := &Request{SafetySettings: in.SafetySettings}
	if in.SystemInstruction != nil {
		text := ""
		for _, p := range in.SystemInstruction.Parts {
			if p.Text != "" {
				if text != "" {
					text += "\n\n"
				}
				text += p.Text
			}
		}
		if text != "" {
			req.System = append(req.System, text)
		}
	}

	for _, c := range in.Contents {
		role := RoleUser
		if c.Role == "model" {
			role = RoleAssistant
		}
		msg := Message{Role: role}
		for _, p := range c.Parts {
			part, err := decodeGeminiPart(p)
			if err != nil {
				return nil, nil, err
			}
			msg.Parts = append(msg.Parts, part)
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range in.Tools {
		for _, d := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, Tool{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}
	if in.ToolConfig != nil {
		fcc := in.ToolConfig.FunctionCallingConfig
		switch fcc.Mode {
		case "AUTO", "":
			req.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		case "NONE":
			req.ToolChoice = ToolChoice{Mode: ToolChoiceNone}
		case "ANY":
			if len(fcc.AllowedFunctionNames) == 1 {
				req.ToolChoice = ToolChoice{Mode: ToolChoiceTool, Name: fcc.AllowedFunctionNames[0]}
			} else {
				req.ToolChoice = ToolChoice{Mode: ToolChoiceRequired}
			}
		default:
			return nil, nil, fmt.Errorf("%w: unsupported function calling mode %q", prism.ErrBadRequest, fcc.Mode)
		}
	}

	if gc := in.GenerationConfig; gc != nil {
		req.Params = prism.Params{
			Temperature:      gc.Temperature,
			TopP:             gc.TopP,
			TopK:             gc.TopK,
			MaxTokens:        gc.MaxOutputTokens,
			Seed:             gc.Seed,
			FrequencyPenalty: gc.FrequencyPenalty,
			PresencePenalty:  gc.PresencePenalty,
			Stop:             gc.StopSequences,
		}
		if tc := gc.ThinkingConfig; tc != nil {
			req.Params.Reasoning = &prism.Reasoning{
				BudgetTokens:    tc.ThinkingBudget,
				IncludeThoughts: tc.IncludeThoughts,
			}
		}
	}
	return req, nil, nil
}

func (geminiCodec) EncodeRequest(req *Request) ([]byte, []prism.Warning, error) {
	var warnings []prism.Warning
	out := geminiRequest{SafetySettings: req.SafetySettings}

	if text := req.SystemText(); text != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: text}}}
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		content := geminiContent{Role: role}
		for _, p := range m.Parts {
			gp, err := encodeGeminiPart(p)
			if err != nil {
				return nil, warnings, err
			}
			content.Parts = append(content.Parts, gp)
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	switch req.ToolChoice.Mode {
	case "":
	case ToolChoiceAuto:
		out.ToolConfig = &geminiToolConfig{geminiFunctionCallingConfig{Mode: "AUTO"}}
	case ToolChoiceNone:
		out.ToolConfig = &geminiToolConfig{geminiFunctionCallingConfig{Mode: "NONE"}}
	case ToolChoiceRequired:
		out.ToolConfig = &geminiToolConfig{geminiFunctionCallingConfig{Mode: "ANY"}}
	case ToolChoiceTool:
		out.ToolConfig = &geminiToolConfig{geminiFunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{req.ToolChoice.Name},
		}}
	}

	p := req.Params
	if p.Temperature != nil || p.TopP != nil || p.TopK != nil || p.MaxTokens != nil ||
		p.Seed != nil || p.FrequencyPenalty != nil || p.PresencePenalty != nil ||
		len(p.Stop) > 0 || p.Reasoning != nil {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:      p.Temperature,
			TopP:             p.TopP,
			TopK:             p.TopK,
			MaxOutputTokens:  p.MaxTokens,
			Seed:             p.Seed,
			FrequencyPenalty: p.FrequencyPenalty,
			PresencePenalty:  p.PresencePenalty,
			StopSequences:    p.Stop,
		}
		if r := p.Reasoning; r != nil {
			if r.BudgetTokens != nil || r.IncludeThoughts {
				out.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{
					ThinkingBudget:  r.BudgetTokens,
					IncludeThoughts: r.IncludeThoughts,
				}
			}
			if r.Effort != "" {
				warnings = warn(warnings, "param_dropped", "effort is not supported by the gemini format")
			}
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, err
	}
	body, err = mergeExtra(body, p.Extra)
	return body, warnings, err
}

func (geminiCodec) DecodeResponse(body []byte, requestModel string) (*Response, error) {
	r := gjson.ParseBytes(body)
	candidate := r.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("%w: gemini response has no candidates", prism.ErrInternal)
	}

	msg := Message{Role: RoleAssistant}
	hasToolCall := false
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() && text.String() != "" {
			if part.Get("thought").Bool() {
				msg.Parts = append(msg.Parts, Part{
					Type:      PartThinking,
					Text:      text.String(),
					Signature: part.Get("thoughtSignature").String(),
				})
			} else {
				msg.Parts = append(msg.Parts, Part{Type: PartText, Text: text.String()})
			}
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			hasToolCall = true
			name := fc.Get("name").String()
			msg.Parts = append(msg.Parts, Part{
				Type:       PartToolCall,
				ToolCallID: name, // Gemini has no call ids; the name stands in
				ToolName:   name,
				ToolArgs:   rawOrEmptyObject(fc.Get("args")),
			})
		}
		return true
	})

	finish := finishFromGemini(candidate.Get("finishReason").String())
	if hasToolCall && finish == prism.FinishStop {
		finish = prism.FinishToolCalls
	}

	model := r.Get("modelVersion").String()
	if model == "" {
		model = requestModel
	}
	return &Response{
		ID:           r.Get("responseId").String(),
		Model:        model,
		Message:      msg,
		FinishReason: finish,
		Usage: prism.Usage{
			PromptTokens:     int(r.Get("usageMetadata.promptTokenCount").Int()),
			CompletionTokens: int(r.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:      int(r.Get("usageMetadata.totalTokenCount").Int()),
		},
	}, nil
}

func (geminiCodec) EncodeResponse(resp *Response) ([]byte, error) {
	var parts []geminiPart
	for _, p := range resp.Message.Parts {
		gp, err := encodeGeminiPart(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, gp)
	}
	return json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": finishToGemini(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		},
		"modelVersion": resp.Model,
		"responseId":   resp.ID,
	})
}

func (geminiCodec) EncodeError(status int, code, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  rpcStatus(status),
		},
	})
	return b
}

// --- helpers ---

func decodeGeminiPart(p geminiPart) (Part, error) {
	switch {
	case p.Text != "":
		if p.Thought {
			return Part{Type: PartThinking, Text: p.Text, Signature: p.ThoughtSignature}, nil
		}
		return Part{Type: PartText, Text: p.Text}, nil
	case p.InlineData != nil:
		return Part{Type: PartImage, MediaType: p.InlineData.MimeType, Data: p.InlineData.Data}, nil
	case p.FileData != nil:
		return Part{Type: PartImage, MediaType: p.FileData.MimeType, URL: p.FileData.FileURI}, nil
	case p.FunctionCall != nil:
		return Part{
			Type:       PartToolCall,
			ToolCallID: p.FunctionCall.Name,
			ToolName:   p.FunctionCall.Name,
			ToolArgs:   p.FunctionCall.Args,
		}, nil
	case p.FunctionResponse != nil:
		return Part{
			Type:       PartToolResult,
			ToolCallID: p.FunctionResponse.Name,
			ToolName:   p.FunctionResponse.Name,
			ToolResult: p.FunctionResponse.Response,
		}, nil
	default:
		return Part{}, fmt.Errorf("%w: unsupported content part", prism.ErrBadRequest)
	}
}

func encodeGeminiPart(p Part) (geminiPart, error) {
	switch p.Type {
	case PartText:
		return geminiPart{Text: p.Text}, nil
	case PartThinking:
		return geminiPart{Text: p.Text, Thought: true, ThoughtSignature: p.Signature}, nil
	case PartImage:
		if p.URL != "" {
			return geminiPart{FileData: &geminiFileData{MimeType: p.MediaType, FileURI: p.URL}}, nil
		}
		return geminiPart{InlineData: &geminiBlob{MimeType: p.MediaType, Data: p.Data}}, nil
	case PartToolCall:
		return geminiPart{FunctionCall: &geminiFunctionCall{
			Name: toolName(p),
			Args: p.ToolArgs,
		}}, nil
	case PartToolResult:
		return geminiPart{FunctionResponse: &geminiFunctionResponse{
			Name:     toolName(p),
			Response: wrapGeminiResponse(p.ToolResult),
		}}, nil
	default:
		return geminiPart{}, fmt.Errorf("%w: unsupported content part", prism.ErrBadRequest)
	}
}

func toolName(p Part) string {
	if p.ToolName != "" {
		return p.ToolName
	}
	return p.ToolCallID
}

// wrapGeminiResponse makes a functionResponse payload a JSON object, wrapping
// scalars and arrays under a "result" key.
func wrapGeminiResponse(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	if gjson.ParseBytes(raw).IsObject() {
		return raw
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"result": raw})
	return wrapped
}

func finishFromGemini(reason string) prism.FinishReason {
	switch reason {
	case "STOP":
		return prism.FinishStop
	case "MAX_TOKENS":
		return prism.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return prism.FinishContentFilter
	case "":
		return prism.FinishNone
	default:
		return prism.FinishReason(reason)
	}
}

func finishToGemini(reason prism.FinishReason) string {
	switch reason {
	case prism.FinishLength:
		return "MAX_TOKENS"
	case prism.FinishContentFilter:
		return "SAFETY"
	default:
		// Gemini reports STOP for both text turns and function calls.
		return "STOP"
	}
}

func rpcStatus(httpStatus int) string {
	switch httpStatus {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 499:
		return "CANCELLED"
	case 503:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
