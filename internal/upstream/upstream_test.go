package upstream

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClientWithHTTP(http.DefaultClient, nil)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func retry(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDoBufferedSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.DoBuffered(context.Background(), Call{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   []byte(`{}`),
		Retry:  retry(3),
		PrepareAuth: func(r *http.Request) error {
			r.Header.Set("Authorization", "Bearer tok")
			return nil
		},
	})
	if err != nil {
		t.Fatalf("DoBuffered: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Errorf("got status %d body %q", resp.StatusCode, resp.Body)
	}
}

func TestDoBufferedRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.DoBuffered(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(3),
	})
	if err != nil {
		t.Fatalf("DoBuffered: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d after retries", resp.StatusCode)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
}

func TestDoBufferedDoesNotRetry429(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.DoBuffered(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(3),
	})
	if err != nil {
		t.Fatalf("DoBuffered: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 passed through", resp.StatusCode)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1 (429 is a fallback signal, not a retry)", hits.Load())
	}
}

func TestDoBufferedExhaustedReturnsLastResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.DoBuffered(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(2),
	})
	if err != nil {
		t.Fatalf("DoBuffered: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want last 502", resp.StatusCode)
	}
}

func TestDoBufferedNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening

	c := newTestClient(t)
	_, err := c.DoBuffered(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(2),
	})
	if !errors.Is(err, prism.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestDoBufferedAuthErrorAborts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.DoBuffered(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(3),
		PrepareAuth: func(*http.Request) error {
			return prism.ErrNoCredentials
		},
	})
	if !errors.Is(err, prism.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times despite auth failure", hits.Load())
	}
}

func TestDoBufferedCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := newTestClient(t)
	_, err := c.DoBuffered(ctx, Call{Method: http.MethodPost, URL: srv.URL, Retry: retry(1)})
	if !errors.Is(err, prism.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestDoStreamRetriesBeforeBody(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"chunk\":1}\n\n"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.DoStream(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(3),
	})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if line != "data: {\"chunk\":1}\n" {
		t.Errorf("first line = %q", line)
	}
}

func TestDoStreamNonRetryableStatusReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.DoStream(context.Background(), Call{
		Method: http.MethodPost, URL: srv.URL, Retry: retry(3),
	})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 returned for fallback handling", resp.StatusCode)
	}
}

func TestNextInterval(t *testing.T) {
	t.Parallel()

	rc := config.RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	got := nextInterval(time.Second, rc)
	if got != 2*time.Second {
		t.Errorf("nextInterval = %v, want 2s", got)
	}
	got = nextInterval(4*time.Second, rc)
	if got != 5*time.Second {
		t.Errorf("nextInterval = %v, want capped at 5s", got)
	}
}

func TestWithJitter(t *testing.T) {
	t.Parallel()

	for range 100 {
		d := withJitter(time.Second)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("jittered interval %v outside [0.5s, 1.5s)", d)
		}
	}
}
