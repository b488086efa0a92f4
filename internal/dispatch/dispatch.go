// Package dispatch runs the proxy pipeline: decode the inbound request,
// resolve its model string to an attempt list, translate to each target
// provider's wire format, and execute with credential and selector fallback.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/codec"
	"github.com/prismproxy/prism/internal/config"
	"github.com/prismproxy/prism/internal/credential"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/selector"
	"github.com/prismproxy/prism/internal/telemetry"
	"github.com/prismproxy/prism/internal/upstream"
)

// Dispatcher owns the request pipeline shared by all ingress endpoints.
type Dispatcher struct {
	providers      map[string]config.Provider
	table          *router.Table
	client         *upstream.Client
	creds          *credential.Manager
	log            *slog.Logger
	requestTimeout time.Duration // whole-request deadline, buffered only
	metrics        *telemetry.Metrics
}

// SetMetrics attaches Prometheus collectors. Safe to skip; all recording is
// nil-checked.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) { d.metrics = m }

// New builds a dispatcher. log may be nil.
func New(cfg *config.Config, table *router.Table, client *upstream.Client, creds *credential.Manager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		providers:      cfg.Providers,
		table:          table,
		client:         client,
		creds:          creds,
		log:            log,
		requestTimeout: cfg.Server.RequestTimeout,
	}
}

// Inbound is one client request, already read off the wire.
type Inbound struct {
	Format prism.WireFormat
	Body   []byte

	// URLModel carries the model from the request path for formats that put
	// it there instead of the body. Overrides the body's model when set.
	URLModel string
	// ForceStream marks endpoints whose path, not body, selects streaming.
	ForceStream bool
}

// Outcome is a completed dispatch. Exactly one of Body and Frames is set:
// Body for buffered responses, Frames for streamed ones. Frames is closed
// when the stream ends; the server owns the wire framing.
type Outcome struct {
	Body   []byte
	Frames <-chan codec.Frame

	Provider string
	Model    string
}

// Execute runs the full pipeline for one request.
func (d *Dispatcher) Execute(ctx context.Context, in Inbound) (*Outcome, error) {
	ingress := codec.ForFormat(in.Format)

	req, warnings, err := ingress.DecodeRequest(in.Body)
	if err != nil {
		return nil, err
	}
	d.logWarnings(ctx, warnings)
	if in.URLModel != "" {
		req.Model = in.URLModel
	}
	if in.ForceStream {
		req.Stream = true
	}

	// Streaming requests run open-ended; buffered ones get the configured
	// whole-request deadline, which shrinks per-attempt timeouts as fallback
	// attempts consume it.
	if !req.Stream && d.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}

	model := req.Model
	if directive, ok := router.Directive(req.SystemText()); ok {
		d.log.DebugContext(ctx, "routing directive", "directive", directive)
		model = directive
	}

	selectors, err := d.table.Resolve(model)
	if err != nil {
		return nil, err
	}

	var failures []prism.AttemptFailure
	for i, sel := range selectors {
		out, err := d.attempt(ctx, ingress, req, sel)
		if err == nil {
			return out, nil
		}
		if !fallbackEligible(err) {
			return nil, err
		}
		d.log.WarnContext(ctx, "attempt failed",
			"selector", sel.String(), "error", err)
		if d.metrics != nil && i < len(selectors)-1 {
			d.metrics.FallbacksTotal.WithLabelValues(sel.Provider).Inc()
		}
		failures = append(failures, prism.AttemptFailure{Selector: sel.String(), Err: err})
	}

	if len(failures) == 1 && len(selectors) == 1 {
		return nil, failures[0].Err
	}
	return nil, &prism.FallbackError{Failures: failures}
}

// fallbackEligible reports whether an attempt failure should move on to the
// next selector. Client errors, cancellation, and upstream statuses outside
// the provider's fallback set abort the chain instead.
func fallbackEligible(err error) bool {
	if errors.Is(err, prism.ErrBadRequest) || errors.Is(err, prism.ErrCancelled) {
		return false
	}
	// Credential failures already traversed the credential alternatives
	// inside attempt(); the client needs the 401, not a different provider.
	if errors.Is(err, prism.ErrNoCredentials) {
		return false
	}
	var pt *errPassthrough
	if errors.As(err, &pt) {
		return false
	}
	// attempt() only returns a bare APIError for fallback statuses; those and
	// transport failures move on to the next selector.
	return errors.Is(err, prism.ErrUpstream) || errors.Is(err, prism.ErrRouteNotFound)
}

// errPassthrough marks an upstream error response that must reach the client
// as-is, with no further fallback.
type errPassthrough struct{ err error }

func (e *errPassthrough) Error() string { return e.err.Error() }
func (e *errPassthrough) Unwrap() error { return e.err }

// attempt executes the request against one selector, trying each configured
// credential source before giving up on the selector.
func (d *Dispatcher) attempt(ctx context.Context, ingress codec.Codec, req *codec.Request, sel selector.Selector) (*Outcome, error) {
	provider, ok := d.providers[sel.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: selector references unknown provider %q", prism.ErrRouteNotFound, sel.Provider)
	}
	egress := codec.ForFormat(provider.Kind.WireFormat())

	upReq := *req
	upReq.Model = upstreamModel(sel)
	upReq.Params = req.Params.Merge(sel.Params)

	body, warnings, err := egress.EncodeRequest(&upReq)
	if err != nil {
		return nil, err
	}
	d.logWarnings(ctx, warnings)

	sources := credential.Plan(provider.OAuth, provider.APIKey, provider.APIKeyFallback)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: provider %q has no oauth identity or api key; run `prism auth %s` or set an api_key", prism.ErrNoCredentials, sel.Provider, provider.OAuth)
	}

	fallbackCodes := provider.FallbackCodes()
	var lastErr error
	for _, src := range sources {
		material, err := d.creds.Resolve(ctx, src)
		if err != nil {
			lastErr = err
			continue
		}

		call := upstream.Call{
			Method: http.MethodPost,
			URL:    requestURL(provider, upReq.Model, upReq.Stream),
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   body,
			Retry:  provider.Retry,
			PrepareAuth: func(r *http.Request) error {
				credential.Apply(r, provider.Kind, material)
				return nil
			},
		}

		start := time.Now()
		var out *Outcome
		if upReq.Stream {
			out, err = d.doStream(ctx, ingress, egress, sel, call, upReq.Model)
		} else {
			call.Timeout = provider.Timeout
			out, err = d.doBuffered(ctx, ingress, egress, sel, call, upReq.Model)
		}
		if d.metrics != nil {
			d.metrics.UpstreamDuration.WithLabelValues(sel.Provider, upReq.Model).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			out.Provider = sel.Provider
			out.Model = upReq.Model
			return out, nil
		}

		lastErr = err
		var apiErr *prism.APIError
		if errors.As(err, &apiErr) && fallbackCodes[apiErr.StatusCode] {
			d.log.InfoContext(ctx, "credential fallback",
				"provider", sel.Provider, "scheme", src.Scheme.String(), "status", apiErr.StatusCode)
			continue
		}
		break
	}
	return nil, lastErr
}

// doBuffered runs one non-streaming upstream call and translates the result
// back to the ingress format.
func (d *Dispatcher) doBuffered(ctx context.Context, ingress, egress codec.Codec, sel selector.Selector, call upstream.Call, model string) (*Outcome, error) {
	resp, err := d.client.DoBuffered(ctx, call)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, d.upstreamError(sel, resp.StatusCode, resp.Body)
	}

	canonical, err := egress.DecodeResponse(resp.Body, model)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", prism.ErrInternal, sel.Provider, err)
	}
	out, err := ingress.EncodeResponse(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: encode response: %v", prism.ErrInternal, err)
	}
	return &Outcome{Body: out}, nil
}

// doStream opens the upstream stream and, once headers confirm success,
// starts the translation goroutine. Errors before the first byte of body
// still participate in fallback.
func (d *Dispatcher) doStream(ctx context.Context, ingress, egress codec.Codec, sel selector.Selector, call upstream.Call, model string) (*Outcome, error) {
	resp, err := d.client.DoStream(ctx, call)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, d.upstreamError(sel, resp.StatusCode, body)
	}

	frames := make(chan codec.Frame, 16)
	go d.pipe(ctx, resp.Body, egress.NewStreamDecoder(resp.Body, model), ingress.NewStreamEncoder(), frames)
	return &Outcome{Frames: frames}, nil
}

// pipe drains the upstream stream through the decode/encode pair until EOF
// or client disconnect.
func (d *Dispatcher) pipe(ctx context.Context, body io.Closer, dec codec.StreamDecoder, enc codec.StreamEncoder, frames chan<- codec.Frame) {
	defer close(frames)
	defer body.Close()

	for {
		ev, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				d.log.WarnContext(ctx, "stream decode", "error", err)
			}
			return
		}
		out, err := enc.Encode(ev)
		if err != nil {
			d.log.WarnContext(ctx, "stream encode", "error", err)
			return
		}
		for _, frame := range out {
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// upstreamError wraps a non-2xx upstream response. Statuses in the provider's
// fallback set come back as a bare APIError so the attempt loop can continue;
// everything else is marked passthrough.
func (d *Dispatcher) upstreamError(sel selector.Selector, status int, body []byte) error {
	apiErr := &prism.APIError{
		Provider:   sel.Provider,
		StatusCode: status,
		Body:       string(body),
	}
	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(sel.Provider, strconv.Itoa(status)).Inc()
	}
	provider := d.providers[sel.Provider]
	if provider.FallbackCodes()[status] {
		return apiErr
	}
	return &errPassthrough{err: apiErr}
}

// upstreamModel rejoins the variant suffix stripped by the selector parser.
// Providers like OpenRouter treat it as part of the model id.
func upstreamModel(sel selector.Selector) string {
	if sel.Variant == "" {
		return sel.Model
	}
	return sel.Model + ":" + sel.Variant
}

// requestURL builds the provider endpoint URL for the chat operation.
func requestURL(p config.Provider, model string, stream bool) string {
	switch p.Kind {
	case prism.KindAnthropic:
		return p.Endpoint + "/v1/messages"
	case prism.KindGemini:
		op := ":generateContent"
		if stream {
			op = ":streamGenerateContent?alt=sse"
		}
		return p.Endpoint + "/v1beta/models/" + url.PathEscape(model) + op
	default:
		// The default openai and openrouter endpoints already carry their
		// version prefix.
		return p.Endpoint + "/chat/completions"
	}
}

func (d *Dispatcher) logWarnings(ctx context.Context, warnings []prism.Warning) {
	for _, w := range warnings {
		d.log.WarnContext(ctx, "conversion warning", "code", w.Code, "message", w.Message)
		if d.metrics != nil {
			d.metrics.ConversionWarnings.WithLabelValues(w.Code).Inc()
		}
	}
}
