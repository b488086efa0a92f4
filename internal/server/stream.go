package server

import (
	"log/slog"
	"net/http"

	"github.com/prismproxy/prism/internal/dispatch"
	"github.com/prismproxy/prism/internal/sseutil"
)

// streamFraming selects how stream frames are written to the client.
type streamFraming int

const (
	// framingSSE writes text/event-stream frames. Used by the OpenAI and
	// Anthropic ingresses, and by Gemini with ?alt=sse.
	framingSSE streamFraming = iota
	// framingJSONArray writes one JSON array of chunks, streamed element by
	// element. Gemini's default streaming shape.
	framingJSONArray
)

// writeStream drains the outcome's frame channel onto the wire, flushing
// after every frame so clients see tokens as they arrive.
func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, out *dispatch.Outcome, framing streamFraming) {
	flusher, _ := w.(http.Flusher)

	switch framing {
	case framingJSONArray:
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)

	wrote := false
	for frame := range out.Frames {
		var err error
		switch framing {
		case framingJSONArray:
			if !wrote {
				_, err = w.Write([]byte("["))
			} else {
				_, err = w.Write([]byte(","))
			}
			if err == nil {
				_, err = w.Write(frame.Data)
			}
		default:
			err = sseutil.WriteEvent(w, frame.Event, frame.Data)
		}
		if err != nil {
			slog.DebugContext(r.Context(), "stream write failed", "error", err)
			// Drain so the pipe goroutine can exit.
			for range out.Frames {
			}
			return
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
	}

	if framing == framingJSONArray {
		if !wrote {
			w.Write([]byte("["))
		}
		w.Write([]byte("]"))
	}
}
