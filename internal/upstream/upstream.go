// Package upstream is the HTTP client used to call provider APIs: a pooled
// transport with DNS caching and a retry loop for transient failures.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/config"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Client calls provider APIs with per-attempt retry. Responses with a
// non-retryable status are returned to the caller as-is; fallback decisions
// belong to the dispatcher.
type Client struct {
	http *http.Client
	log  *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client over a pooled transport. log may be nil.
func NewClient(log *slog.Logger) *Client {
	resolver := &dnscache.Resolver{}
	return NewClientWithHTTP(&http.Client{Transport: NewTransport(resolver)}, log)
}

// NewClientWithHTTP wraps an existing *http.Client. Used by tests and by
// callers that need custom transports.
func NewClientWithHTTP(hc *http.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{http: hc, log: log, sleep: sleepCtx}
}

// Call is one upstream request. Body is held as bytes so retries can replay
// it. PrepareAuth runs before every attempt so a token refreshed mid-retry is
// picked up.
type Call struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Retry       config.RetryConfig
	Timeout     time.Duration // per attempt, buffered calls only
	PrepareAuth func(*http.Request) error
}

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// retryableStatus reports whether a status is worth retrying with the same
// credential. 429 is deliberately absent: rate limits trigger fallback, not
// blind retry.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DoBuffered executes the call and reads the whole response body, retrying
// transient failures per the call's retry policy. The returned response may
// carry any status code; only transport-level failures produce an error.
func (c *Client) DoBuffered(ctx context.Context, call Call) (*Response, error) {
	var lastErr error
	var lastResp *Response
	interval := call.Retry.InitialInterval

	for attempt := 1; attempt <= call.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, withJitter(interval)); err != nil {
				return nil, err
			}
			interval = nextInterval(interval, call.Retry)
		}

		resp, err := c.attemptBuffered(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", prism.ErrCancelled, ctx.Err())
			}
			if errors.Is(err, prism.ErrNoCredentials) {
				return nil, err
			}
			lastErr = err
			c.log.Debug("upstream attempt failed", "attempt", attempt, "url", call.URL, "error", err)
			continue
		}
		if retryableStatus(resp.StatusCode) {
			lastResp = resp
			lastErr = nil
			c.log.Debug("upstream attempt failed", "attempt", attempt, "url", call.URL, "status", resp.StatusCode)
			continue
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("%w: %v", prism.ErrUpstream, lastErr)
}

func (c *Client) attemptBuffered(ctx context.Context, call Call) (*Response, error) {
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}
	resp, err := c.do(ctx, call)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// maxResponseBody caps buffered reads so a misbehaving upstream cannot cause
// unbounded allocation.
const maxResponseBody = 32 << 20

// DoStream executes the call and returns the live response once headers
// arrive. Connection failures and retryable statuses before the body starts
// are retried; after that the caller owns resp.Body and nothing is retried.
func (c *Client) DoStream(ctx context.Context, call Call) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response
	interval := call.Retry.InitialInterval

	for attempt := 1; attempt <= call.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, withJitter(interval)); err != nil {
				return nil, err
			}
			interval = nextInterval(interval, call.Retry)
		}

		resp, err := c.do(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", prism.ErrCancelled, ctx.Err())
			}
			if errors.Is(err, prism.ErrNoCredentials) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if retryableStatus(resp.StatusCode) {
			drain(resp)
			if lastResp != nil {
				drain(lastResp)
			}
			// Keep a body-less copy so the caller sees the final status.
			lastResp = resp
			lastErr = nil
			continue
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("%w: %v", prism.ErrUpstream, lastErr)
}

func (c *Client) do(ctx context.Context, call Call) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for key, vals := range call.Header {
		req.Header[key] = vals
	}
	if call.PrepareAuth != nil {
		if err := call.PrepareAuth(req); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}

// drain consumes and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(nil))
}

// withJitter spreads the interval across [interval/2, interval*1.5) so
// concurrent retries do not synchronize.
func withJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	half := interval / 2
	return half + rand.N(interval)
}

func nextInterval(interval time.Duration, rc config.RetryConfig) time.Duration {
	mult := rc.Multiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(interval) * mult)
	if rc.MaxInterval > 0 && next > rc.MaxInterval {
		next = rc.MaxInterval
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", prism.ErrCancelled, context.Cause(ctx))
	case <-t.C:
		return nil
	}
}
