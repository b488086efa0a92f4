// Package codec translates chat-completion requests, responses, and streams
// between the three supported wire formats. Every format converts to and from
// a canonical in-memory model, so adding a format means writing one codec, not
// one converter per format pair.
package codec

import (
	"encoding/json"
	"io"

	prism "github.com/prismproxy/prism/internal"
)

// Canonical message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType discriminates the content carried by a Part.
type PartType int

const (
	PartText PartType = iota
	PartImage
	PartToolCall
	PartToolResult
	PartThinking
)

// Part is one content block of a message.
type Part struct {
	Type PartType

	// PartText, PartThinking
	Text      string
	Signature string // provider-issued thinking signature, passed through verbatim

	// PartImage: either inline base64 data with a media type, or a URL.
	MediaType string
	Data      string
	URL       string

	// PartToolCall
	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage // JSON object

	// PartToolResult
	ToolResult  json.RawMessage // JSON value; formats stringify as needed
	ToolIsError bool
}

// Message is a single conversation turn.
type Message struct {
	Role  string
	Parts []Part
}

// Tool is a function declaration offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
}

// ToolChoice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceTool     = "tool"
)

// ToolChoice constrains which tool the model may call. A zero value means the
// request did not specify one.
type ToolChoice struct {
	Mode string
	Name string // set when Mode == ToolChoiceTool
}

// Request is the canonical chat-completion request.
type Request struct {
	Model      string
	System     []string // system/developer text segments, in order
	Messages   []Message
	Tools      []Tool
	ToolChoice ToolChoice
	Stream     bool
	Params     prism.Params

	// SafetySettings is Gemini's content-filter configuration, passed through
	// verbatim when the destination is Gemini and dropped with a warning
	// otherwise.
	SafetySettings json.RawMessage
}

// SystemText joins the system segments into a single prompt.
func (r *Request) SystemText() string {
	switch len(r.System) {
	case 0:
		return ""
	case 1:
		return r.System[0]
	}
	out := r.System[0]
	for _, s := range r.System[1:] {
		out += "\n\n" + s
	}
	return out
}

// Response is the canonical chat-completion response.
type Response struct {
	ID           string
	Model        string
	Message      Message // role is always assistant
	FinishReason prism.FinishReason
	Usage        prism.Usage
}

// EventKind discriminates canonical stream events.
type EventKind int

const (
	// EventStart opens the stream and carries the upstream message id and
	// model. Decoders emit it exactly once, before any delta.
	EventStart EventKind = iota
	EventTextDelta
	EventThinkingDelta
	// EventToolCallStart opens a tool call; its arguments follow as
	// EventToolArgDelta fragments on the same index.
	EventToolCallStart
	EventToolArgDelta
	// EventBlockStop closes the content block at Index.
	EventBlockStop
	// EventFinish carries the finish reason and final usage. Decoders emit
	// it exactly once, as the last event before io.EOF.
	EventFinish
)

// StreamEvent is one canonical streaming event.
type StreamEvent struct {
	Kind  EventKind
	Index int // content block / tool call index

	ID    string // EventStart
	Model string // EventStart

	Text string // deltas: text, thinking, or a tool argument JSON fragment

	ToolCallID string // EventToolCallStart
	ToolName   string // EventToolCallStart

	FinishReason prism.FinishReason // EventFinish
	Usage        *prism.Usage       // EventFinish
}

// StreamDecoder turns an upstream response body into canonical events.
// Next returns io.EOF after the final EventFinish.
type StreamDecoder interface {
	Next() (StreamEvent, error)
}

// StreamEncoder turns canonical events into wire frames for the client.
// Encoders are stateful; events must arrive in decoder order.
type StreamEncoder interface {
	Encode(ev StreamEvent) ([]Frame, error)
}

// Frame is one serialized unit of a streamed response. Event is the SSE event
// name when the format uses named events, otherwise empty. The server's
// response writer owns the SSE or JSON-array framing around Data.
type Frame struct {
	Event string
	Data  []byte
}

// Codec converts between one wire format and the canonical model.
type Codec interface {
	Format() prism.WireFormat

	// Ingress side: client request in, client response out.
	DecodeRequest(body []byte) (*Request, []prism.Warning, error)
	EncodeResponse(resp *Response) ([]byte, error)
	NewStreamEncoder() StreamEncoder
	// EncodeError renders an error body in this wire format.
	EncodeError(status int, code, message string) []byte

	// Upstream side: provider request out, provider response in.
	EncodeRequest(req *Request) ([]byte, []prism.Warning, error)
	DecodeResponse(body []byte, requestModel string) (*Response, error)
	NewStreamDecoder(r io.Reader, requestModel string) StreamDecoder
}

// ForFormat returns the codec for a wire format.
func ForFormat(f prism.WireFormat) Codec {
	switch f {
	case prism.FormatAnthropic:
		return anthropicCodec{}
	case prism.FormatGemini:
		return geminiCodec{}
	default:
		return openaiCodec{}
	}
}

func warn(ws []prism.Warning, code, message string) []prism.Warning {
	return append(ws, prism.Warning{Code: code, Message: message})
}
