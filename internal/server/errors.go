package server

import (
	"errors"
	"log/slog"
	"net/http"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/codec"
)

// statusClientClosed is the non-standard status logged when the client went
// away before a response could be written (nginx convention).
const statusClientClosed = 499

// writeError maps a pipeline error to an HTTP status and renders the body in
// the ingress wire format.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, format prism.WireFormat, err error) {
	var apiErr *prism.APIError
	if errors.As(err, &apiErr) && !errors.Is(err, prism.ErrFallbackExhausted) {
		// Upstream 4xx responses pass through with the provider's own body;
		// clients want the provider's error detail. 5xx collapses to 502.
		status := apiErr.StatusCode
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		if status == apiErr.StatusCode && apiErr.Body != "" {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(status)
			w.Write([]byte(apiErr.Body))
			return
		}
		writeEncodedError(w, format, status, "upstream_error", apiErr.Error())
		return
	}

	switch {
	case errors.Is(err, prism.ErrBadRequest):
		writeEncodedError(w, format, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, prism.ErrRouteNotFound):
		writeEncodedError(w, format, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, prism.ErrNoCredentials):
		writeEncodedError(w, format, http.StatusUnauthorized, "authentication_error", err.Error())
	case errors.Is(err, prism.ErrCancelled):
		// Client is gone; record it for the access log and give up.
		slog.DebugContext(r.Context(), "client disconnected", "error", err)
		w.WriteHeader(statusClientClosed)
	case errors.Is(err, prism.ErrFallbackExhausted), errors.Is(err, prism.ErrUpstream):
		writeEncodedError(w, format, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		slog.ErrorContext(r.Context(), "unhandled dispatch error", "error", err)
		writeEncodedError(w, format, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeEncodedError(w http.ResponseWriter, format prism.WireFormat, status int, code, message string) {
	body := codec.ForFormat(format).EncodeError(status, code, message)
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(body)
}
