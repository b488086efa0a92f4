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

// openaiStreamDecoder reads OpenAI SSE chunks and emits canonical events.
// The stream is data-only and terminated by a "[DONE]" sentinel; usage
// arrives in a trailing chunk when stream_options.include_usage is set.
type openaiStreamDecoder struct {
	scanner *bufio.Scanner
	model   string

	pending     []StreamEvent
	started     bool
	toolStarted map[int]bool
	finish      prism.FinishReason
	usage       *prism.Usage
	id          string
	done        bool
}

func (openaiCodec) NewStreamDecoder(r io.Reader, requestModel string) StreamDecoder {
	return &openaiStreamDecoder{
		scanner:     sseutil.NewScanner(r),
		model:       requestModel,
		toolStarted: make(map[int]bool),
	}
}

func (d *openaiStreamDecoder) Next() (StreamEvent, error) {
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
				return StreamEvent{}, fmt.Errorf("openai stream: %w", err)
			}
			// Upstream closed without [DONE]; finish with what we have.
			d.emitFinish()
			continue
		}
		_, data, ok := sseutil.ParseSSELine(d.scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			d.emitFinish()
			continue
		}
		d.handleChunk(data)
	}
}

func (d *openaiStreamDecoder) emitFinish() {
	d.done = true
	if !d.started {
		// Zero-length upstream stream: the ingress encoder still needs its
		// opening frame before the finish.
		d.started = true
		d.pending = append(d.pending, StreamEvent{Kind: EventStart, Model: d.model})
	}
	reason := d.finish
	if reason == prism.FinishNone {
		reason = prism.FinishStop
	}
	d.pending = append(d.pending, StreamEvent{Kind: EventFinish, FinishReason: reason, Usage: d.usage})
}

func (d *openaiStreamDecoder) handleChunk(data string) {
	r := gjson.Parse(data)

	if !d.started {
		d.started = true
		d.id = r.Get("id").String()
		if m := r.Get("model").String(); m != "" {
			d.model = m
		}
		d.pending = append(d.pending, StreamEvent{Kind: EventStart, ID: d.id, Model: d.model})
	}

	if u := r.Get("usage"); u.IsObject() {
		d.usage = &prism.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return
	}
	if fr := choice.Get("finish_reason").String(); fr != "" {
		d.finish = finishFromOpenAI(fr)
	}

	delta := choice.Get("delta")
	if text := firstExisting(delta, "reasoning", "reasoning_content"); text != "" {
		d.pending = append(d.pending, StreamEvent{Kind: EventThinkingDelta, Text: text})
	}
	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		d.pending = append(d.pending, StreamEvent{Kind: EventTextDelta, Text: content.String()})
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if name := tc.Get("function.name").String(); name != "" && !d.toolStarted[idx] {
			d.toolStarted[idx] = true
			d.pending = append(d.pending, StreamEvent{
				Kind:       EventToolCallStart,
				Index:      idx,
				ToolCallID: tc.Get("id").String(),
				ToolName:   name,
			})
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			d.pending = append(d.pending, StreamEvent{Kind: EventToolArgDelta, Index: idx, Text: args})
		}
		return true
	})
}

// openaiStreamEncoder renders canonical events as OpenAI streaming chunks.
type openaiStreamEncoder struct {
	id    string
	model string
}

func (openaiCodec) NewStreamEncoder() StreamEncoder {
	return &openaiStreamEncoder{}
}

func (e *openaiStreamEncoder) Encode(ev StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case EventStart:
		e.id = ev.ID
		e.model = ev.Model
		return e.frames(e.deltaChunk(map[string]any{"role": "assistant"}, "")), nil
	case EventTextDelta:
		return e.frames(e.deltaChunk(map[string]any{"content": ev.Text}, "")), nil
	case EventThinkingDelta:
		return e.frames(e.deltaChunk(map[string]any{"reasoning": ev.Text}, "")), nil
	case EventToolCallStart:
		return e.frames(e.deltaChunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index": ev.Index,
				"id":    ev.ToolCallID,
				"type":  "function",
				"function": map[string]any{
					"name":      ev.ToolName,
					"arguments": "",
				},
			}},
		}, "")), nil
	case EventToolArgDelta:
		return e.frames(e.deltaChunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index": ev.Index,
				"function": map[string]any{
					"arguments": ev.Text,
				},
			}},
		}, "")), nil
	case EventBlockStop:
		return nil, nil
	case EventFinish:
		frames := e.frames(e.deltaChunk(map[string]any{}, string(ev.FinishReason)))
		if ev.Usage != nil {
			frames = append(frames, Frame{Data: e.usageChunk(ev.Usage)})
		}
		frames = append(frames, Frame{Data: []byte("[DONE]")})
		return frames, nil
	default:
		return nil, fmt.Errorf("openai stream: unknown event kind %d", ev.Kind)
	}
}

func (e *openaiStreamEncoder) frames(data []byte) []Frame {
	return []Frame{{Data: data}}
}

func (e *openaiStreamEncoder) deltaChunk(delta map[string]any, finishReason string) []byte {
	var fr any
	if finishReason != "" {
		fr = finishReason
	}
	chunk := map[string]any{
		"id":     e.id,
		"object": "chat.completion.chunk",
		"model":  e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": fr,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func (e *openaiStreamEncoder) usageChunk(usage *prism.Usage) []byte {
	chunk := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"model":   e.model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}
