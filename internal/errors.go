package prism

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the proxy domain. Handlers map these to HTTP statuses;
// the dispatch loop uses them to decide between credential fallback, selector
// fallback, and hard failure.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrRouteNotFound     = errors.New("route not found")
	ErrNoCredentials     = errors.New("no credentials available")
	ErrUpstream          = errors.New("upstream error")
	ErrFallbackExhausted = errors.New("all fallback attempts failed")
	ErrCancelled         = errors.New("request cancelled")
	ErrInternal          = errors.New("internal error")
)

// APIError is an error response from an upstream provider. It preserves the
// upstream status code so the dispatch loop can consult fallback_on_errors
// and so 4xx statuses pass through to the client unchanged.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Is lets errors.Is(err, ErrUpstream) match any APIError.
func (e *APIError) Is(target error) bool { return target == ErrUpstream }

// AttemptFailure summarizes one failed dispatch attempt for the aggregated
// error body returned when every attempt is exhausted.
type AttemptFailure struct {
	Selector string
	Err      error
}

// FallbackError aggregates per-selector failures after the attempt list is
// exhausted. The final upstream status (if any) is carried for the response.
type FallbackError struct {
	Failures []AttemptFailure
}

// Error lists each attempt's selector and failure on one line.
func (e *FallbackError) Error() string {
	var b strings.Builder
	b.WriteString("all attempts failed:")
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " [%s: %v]", f.Selector, f.Err)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrFallbackExhausted) match.
func (e *FallbackError) Is(target error) bool { return target == ErrFallbackExhausted }

// LastStatus returns the HTTP status of the final upstream failure, or 0 when
// the last failure was not an upstream response.
func (e *FallbackError) LastStatus() int {
	for i := len(e.Failures) - 1; i >= 0; i-- {
		var apiErr *APIError
		if errors.As(e.Failures[i].Err, &apiErr) {
			return apiErr.StatusCode
		}
	}
	return 0
}
