package codec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/sseutil"
)

// anthropicStreamDecoder reads the Messages API event stream and emits
// canonical events. The stream uses typed SSE events; message_stop terminates
// a successful response.
type anthropicStreamDecoder struct {
	scanner *bufio.Scanner
	model   string

	pending      []StreamEvent
	currentEvent string
	started      bool
	inputTokens  int
	outputTokens int
	stopReason   string
	done         bool
}

func (anthropicCodec) NewStreamDecoder(r io.Reader, requestModel string) StreamDecoder {
	return &anthropicStreamDecoder{scanner: sseutil.NewScanner(r), model: requestModel}
}

func (d *anthropicStreamDecoder) Next() (StreamEvent, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.done {
			return StreamEvent{}, io.EOF
		}
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return StreamEvent{}, fmt.Errorf("anthropic stream: %w", err)
			}
			d.emitFinish()
			continue
		}
		event, data, ok := sseutil.ParseSSELine(d.scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			d.currentEvent = event
			continue
		}
		if data == "" {
			continue
		}
		if err := d.handleEvent(d.currentEvent, data); err != nil {
			return StreamEvent{}, err
		}
	}
}

func (d *anthropicStreamDecoder) emitFinish() {
	d.done = true
	if !d.started {
		// Zero-length upstream stream: the ingress encoder still needs its
		// opening frame before the finish.
		d.started = true
		d.pending = append(d.pending, StreamEvent{Kind: EventStart, Model: d.model})
	}
	usage := &prism.Usage{
		PromptTokens:     d.inputTokens,
		CompletionTokens: d.outputTokens,
		TotalTokens:      d.inputTokens + d.outputTokens,
	}
	d.pending = append(d.pending, StreamEvent{
		Kind:         EventFinish,
		FinishReason: finishFromAnthropic(d.stopReason),
		Usage:        usage,
	})
}

func (d *anthropicStreamDecoder) handleEvent(event, data string) error {
	r := gjson.Parse(data)
	switch event {
	case "message_start":
		d.started = true
		d.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		if m := r.Get("message.model").String(); m != "" {
			d.model = m
		}
		d.pending = append(d.pending, StreamEvent{
			Kind:  EventStart,
			ID:    r.Get("message.id").String(),
			Model: d.model,
		})
	case "content_block_start":
		idx := int(r.Get("index").Int())
		if r.Get("content_block.type").String() == "tool_use" {
			d.pending = append(d.pending, StreamEvent{
				Kind:       EventToolCallStart,
				Index:      idx,
				ToolCallID: r.Get("content_block.id").String(),
				ToolName:   r.Get("content_block.name").String(),
			})
		}
	case "content_block_delta":
		idx := int(r.Get("index").Int())
		switch r.Get("delta.type").String() {
		case "text_delta":
			d.pending = append(d.pending, StreamEvent{Kind: EventTextDelta, Index: idx, Text: r.Get("delta.text").String()})
		case "thinking_delta":
			d.pending = append(d.pending, StreamEvent{Kind: EventThinkingDelta, Index: idx, Text: r.Get("delta.thinking").String()})
		case "input_json_delta":
			d.pending = append(d.pending, StreamEvent{Kind: EventToolArgDelta, Index: idx, Text: r.Get("delta.partial_json").String()})
		}
	case "content_block_stop":
		d.pending = append(d.pending, StreamEvent{Kind: EventBlockStop, Index: int(r.Get("index").Int())})
	case "message_delta":
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			d.stopReason = sr
		}
		if out := r.Get("usage.output_tokens"); out.Exists() {
			d.outputTokens = int(out.Int())
		}
	case "message_stop":
		d.emitFinish()
	case "error":
		return &prism.APIError{
			Provider:   "anthropic",
			StatusCode: 0,
			Body:       data,
		}
	}
	return nil
}

// Block kinds tracked by the anthropic stream encoder.
const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

// anthropicStreamEncoder renders canonical events as Messages API SSE events.
// It owns block indexing: a block opens lazily on the first delta of its kind
// and closes when the content switches kinds or the stream finishes.
type anthropicStreamEncoder struct {
	index int
	open  int
}

func (anthropicCodec) NewStreamEncoder() StreamEncoder {
	return &anthropicStreamEncoder{open: blockNone}
}

func (e *anthropicStreamEncoder) Encode(ev StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case EventStart:
		return []Frame{eventFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            ev.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         ev.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})}, nil

	case EventTextDelta:
		frames := e.ensureBlock(blockText, map[string]any{"type": "text", "text": ""})
		return append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.index,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})), nil

	case EventThinkingDelta:
		frames := e.ensureBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""})
		return append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		})), nil

	case EventToolCallStart:
		frames := e.closeBlock()
		frames = append(frames, eventFrame("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.index,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    ev.ToolCallID,
				"name":  ev.ToolName,
				"input": map[string]any{},
			},
		}))
		e.open = blockTool
		return frames, nil

	case EventToolArgDelta:
		return []Frame{eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Text},
		})}, nil

	case EventBlockStop:
		return e.closeBlock(), nil

	case EventFinish:
		frames := e.closeBlock()
		usage := map[string]any{"output_tokens": 0}
		if ev.Usage != nil {
			usage = map[string]any{
				"input_tokens":  ev.Usage.PromptTokens,
				"output_tokens": ev.Usage.CompletionTokens,
			}
		}
		frames = append(frames,
			eventFrame("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": finishToAnthropic(ev.FinishReason), "stop_sequence": nil},
				"usage": usage,
			}),
			eventFrame("message_stop", map[string]any{"type": "message_stop"}),
		)
		return frames, nil

	default:
		return nil, fmt.Errorf("anthropic stream: unknown event kind %d", ev.Kind)
	}
}

// ensureBlock opens a block of the wanted kind, closing any block of a
// different kind first.
func (e *anthropicStreamEncoder) ensureBlock(kind int, blockStart map[string]any) []Frame {
	if e.open == kind {
		return nil
	}
	frames := e.closeBlock()
	frames = append(frames, eventFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.index,
		"content_block": blockStart,
	}))
	e.open = kind
	return frames
}

func (e *anthropicStreamEncoder) closeBlock() []Frame {
	if e.open == blockNone {
		return nil
	}
	frame := eventFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.index,
	})
	e.open = blockNone
	e.index++
	return []Frame{frame}
}

func eventFrame(event string, payload map[string]any) Frame {
	b, _ := json.Marshal(payload)
	return Frame{Event: event, Data: b}
}
