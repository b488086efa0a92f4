package codec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/sseutil"
)

// geminiStreamDecoder reads :streamGenerateContent?alt=sse output. The stream
// has no event names and no end sentinel; it is EOF-terminated and each data
// line is a complete response fragment. Usage is cumulative, so the last seen
// value wins.
type geminiStreamDecoder struct {
	scanner *bufio.Scanner
	model   string

	pending   []StreamEvent
	started   bool
	toolIndex int
	finish    prism.FinishReason
	usage     *prism.Usage
	done      bool
}

func (geminiCodec) NewStreamDecoder(r io.Reader, requestModel string) StreamDecoder {
	return &geminiStreamDecoder{scanner: sseutil.NewScanner(r), model: requestModel}
}

func (d *geminiStreamDecoder) Next() (StreamEvent, error) {
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
				return StreamEvent{}, fmt.Errorf("gemini stream: %w", err)
			}
			d.done = true
			if !d.started {
				// Zero-length upstream stream: the ingress encoder still
				// needs its opening frame before the finish.
				d.started = true
				d.pending = append(d.pending, StreamEvent{Kind: EventStart, Model: d.model})
			}
			reason := d.finish
			if reason == prism.FinishNone {
				reason = prism.FinishStop
			}
			d.pending = append(d.pending, StreamEvent{Kind: EventFinish, FinishReason: reason, Usage: d.usage})
			continue
		}
		_, data, ok := sseutil.ParseSSELine(d.scanner.Text())
		if !ok || data == "" {
			continue
		}
		d.handleChunk(data)
	}
}

func (d *geminiStreamDecoder) handleChunk(data string) {
	r := gjson.Parse(data)

	if !d.started {
		d.started = true
		if m := r.Get("modelVersion").String(); m != "" {
			d.model = m
		}
		d.pending = append(d.pending, StreamEvent{
			Kind:  EventStart,
			ID:    r.Get("responseId").String(),
			Model: d.model,
		})
	}

	if u := r.Get("usageMetadata"); u.Exists() {
		d.usage = &prism.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	candidate := r.Get("candidates.0")
	if fr := candidate.Get("finishReason").String(); fr != "" {
		d.finish = finishFromGemini(fr)
	}

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() && text.String() != "" {
			kind := EventTextDelta
			if part.Get("thought").Bool() {
				kind = EventThinkingDelta
			}
			d.pending = append(d.pending, StreamEvent{Kind: kind, Text: text.String()})
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			// Gemini sends function calls whole, never as argument deltas.
			name := fc.Get("name").String()
			idx := d.toolIndex
			d.toolIndex++
			d.pending = append(d.pending,
				StreamEvent{Kind: EventToolCallStart, Index: idx, ToolCallID: name, ToolName: name},
				StreamEvent{Kind: EventToolArgDelta, Index: idx, Text: string(rawOrEmptyObject(fc.Get("args")))},
				StreamEvent{Kind: EventBlockStop, Index: idx},
			)
			if d.finish == prism.FinishNone || d.finish == prism.FinishStop {
				d.finish = prism.FinishToolCalls
			}
		}
		return true
	})
}

// geminiStreamEncoder renders canonical events as generateContent response
// fragments. Tool call arguments are accumulated until the block closes since
// the format has no partial functionCall representation.
type geminiStreamEncoder struct {
	id    string
	model string
	tools map[int]*geminiToolAccum
}

type geminiToolAccum struct {
	name string
	args strings.Builder
}

func (geminiCodec) NewStreamEncoder() StreamEncoder {
	return &geminiStreamEncoder{tools: make(map[int]*geminiToolAccum)}
}

func (e *geminiStreamEncoder) Encode(ev StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case EventStart:
		e.id = ev.ID
		e.model = ev.Model
		return nil, nil
	case EventTextDelta:
		return []Frame{{Data: e.chunk([]geminiPart{{Text: ev.Text}}, "", nil)}}, nil
	case EventThinkingDelta:
		return []Frame{{Data: e.chunk([]geminiPart{{Text: ev.Text, Thought: true}}, "", nil)}}, nil
	case EventToolCallStart:
		e.tools[ev.Index] = &geminiToolAccum{name: ev.ToolName}
		return nil, nil
	case EventToolArgDelta:
		if acc, ok := e.tools[ev.Index]; ok {
			acc.args.WriteString(ev.Text)
		}
		return nil, nil
	case EventBlockStop:
		return e.flushTool(ev.Index), nil
	case EventFinish:
		var frames []Frame
		for idx := range e.tools {
			frames = append(frames, e.flushTool(idx)...)
		}
		frames = append(frames, Frame{Data: e.chunk(nil, finishToGemini(ev.FinishReason), ev.Usage)})
		return frames, nil
	default:
		return nil, fmt.Errorf("gemini stream: unknown event kind %d", ev.Kind)
	}
}

func (e *geminiStreamEncoder) flushTool(index int) []Frame {
	acc, ok := e.tools[index]
	if !ok {
		return nil
	}
	delete(e.tools, index)
	args := json.RawMessage(acc.args.String())
	if !gjson.ValidBytes(args) || len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	part := geminiPart{FunctionCall: &geminiFunctionCall{Name: acc.name, Args: args}}
	return []Frame{{Data: e.chunk([]geminiPart{part}, "", nil)}}
}

func (e *geminiStreamEncoder) chunk(parts []geminiPart, finishReason string, usage *prism.Usage) []byte {
	candidate := map[string]any{"index": 0}
	if len(parts) > 0 {
		candidate["content"] = map[string]any{"role": "model", "parts": parts}
	}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}
	payload := map[string]any{
		"candidates":   []map[string]any{candidate},
		"modelVersion": e.model,
	}
	if e.id != "" {
		payload["responseId"] = e.id
	}
	if usage != nil {
		payload["usageMetadata"] = map[string]any{
			"promptTokenCount":     usage.PromptTokens,
			"candidatesTokenCount": usage.CompletionTokens,
			"totalTokenCount":      usage.TotalTokens,
		}
	}
	b, _ := json.Marshal(payload)
	return b
}
