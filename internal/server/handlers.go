package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/dispatch"
)

var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
	jsonCT  = []string{"application/json"}
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleListModels exposes the configured aliases in the OpenAI model-list
// shape so CLI tools can discover them.
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	aliases := s.deps.Routes.Aliases()
	out := struct {
		Object string  `json:"object"`
		Data   []model `json:"data"`
	}{Object: "list", Data: make([]model, 0, len(aliases))}
	created := time.Now().Unix()
	for _, alias := range aliases {
		out.Data = append(out.Data, model{ID: alias, Object: "model", Created: created, OwnedBy: "prism"})
	}
	w.Header()["Content-Type"] = jsonCT
	json.NewEncoder(w).Encode(out)
}

// handleOpenAI serves the OpenAI chat-completions ingress.
func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, dispatch.Inbound{Format: prism.FormatOpenAI}, framingSSE)
}

// handleAnthropic serves the Anthropic messages ingress.
func (s *Server) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, dispatch.Inbound{Format: prism.FormatAnthropic}, framingSSE)
}

// handleGemini serves the Gemini generateContent ingress. The model and
// operation are joined in the final path segment, e.g.
// "gemini-2.5-pro:streamGenerateContent". Streaming responses default to the
// JSON-array framing unless ?alt=sse asks for SSE.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	// Split at the last colon: the model may itself be a selector carrying a
	// ":variant" suffix.
	i := strings.LastIndex(rest, ":")
	var model, op string
	if i > 0 {
		model, op = rest[:i], rest[i+1:]
	}
	if model == "" {
		s.writeError(w, r, prism.FormatGemini, &badRoute{rest})
		return
	}

	in := dispatch.Inbound{Format: prism.FormatGemini, URLModel: model}
	framing := framingJSONArray
	switch op {
	case "generateContent":
	case "streamGenerateContent":
		in.ForceStream = true
		if r.URL.Query().Get("alt") == "sse" {
			framing = framingSSE
		}
	default:
		s.writeError(w, r, prism.FormatGemini, &badRoute{rest})
		return
	}
	s.dispatch(w, r, in, framing)
}

type badRoute struct{ path string }

func (e *badRoute) Error() string {
	return "unknown operation in path " + e.path + ": expected model:generateContent or model:streamGenerateContent"
}

func (e *badRoute) Is(target error) bool { return target == prism.ErrBadRequest }

// dispatch reads the body, runs the pipeline, and writes the outcome in the
// ingress format.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, in dispatch.Inbound, framing streamFraming) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.deps.MaxBody))
	if err != nil {
		s.writeError(w, r, in.Format, prism.ErrBadRequest)
		return
	}
	in.Body = body

	out, err := s.deps.Dispatcher.Execute(r.Context(), in)
	if err != nil {
		s.writeError(w, r, in.Format, err)
		return
	}

	if out.Frames != nil {
		s.writeStream(w, r, out, framing)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(out.Body)
}
