package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/config"
	"github.com/prismproxy/prism/internal/credential"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/upstream"
)

const anthropicReply = `{"id":"msg_1","type":"message","model":"claude-x","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`

func newDispatcher(t *testing.T, providers map[string]config.Provider, routes map[string]config.Route) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		Providers: providers,
		Routing:   config.RoutingConfig{Models: routes},
	}
	table, err := router.New(cfg.Routing)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	store, err := credential.Open(filepath.Join(t.TempDir(), "creds.json"))
	if err != nil {
		t.Fatal(err)
	}
	client := upstream.NewClientWithHTTP(http.DefaultClient, nil)
	return New(cfg, table, client, credential.NewManager(store, nil, nil), nil)
}

func anthropicProvider(endpoint string) config.Provider {
	return config.Provider{
		Kind:     prism.KindAnthropic,
		Endpoint: endpoint,
		APIKey:   "sk-test",
		Retry:    config.RetryConfig{MaxAttempts: 1},
		Timeout:  5 * time.Second,
	}
}

func TestExecuteBufferedTranslation(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody.Store(string(body))
		w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider(srv.URL),
	}, nil)

	out, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"anthropic/claude-x","messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	up := gotBody.Load().(string)
	if gjson.Get(up, "model").String() != "claude-x" {
		t.Errorf("upstream model = %q", gjson.Get(up, "model").String())
	}
	if gjson.Get(up, "messages.0.content.0.text").String() != "hi" {
		t.Errorf("upstream did not receive anthropic-shaped message: %s", up)
	}

	resp := string(out.Body)
	if gjson.Get(resp, "choices.0.message.content").String() != "hello" {
		t.Errorf("client response not openai-shaped: %s", resp)
	}
	if gjson.Get(resp, "choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", gjson.Get(resp, "choices.0.finish_reason").String())
	}
	if gjson.Get(resp, "usage.prompt_tokens").Int() != 3 {
		t.Errorf("usage not mapped: %s", resp)
	}
}

func TestExecuteSelectorParamsWin(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody.Store(string(body))
		w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider(srv.URL),
	}, map[string]config.Route{
		"fast": {Selectors: []string{"anthropic/claude-x?temperature=0.2"}},
	})

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"fast","temperature":0.9,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	up := gotBody.Load().(string)
	if got := gjson.Get(up, "temperature").Float(); got != 0.2 {
		t.Errorf("temperature = %v, want selector value 0.2", got)
	}
}

func TestExecuteDirectiveOverridesModel(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider(srv.URL),
	}, map[string]config.Route{
		"smart": {Selectors: []string{"anthropic/claude-x"}},
	})

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body: []byte(`{"model":"nonexistent-model","messages":[
			{"role":"system","content":"<!-- smart -->\nYou are helpful."},
			{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hit %d times", hits.Load())
	}
}

func TestExecuteFallbackOn429(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(anthropicReply))
	}))
	defer secondary.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"primary":   anthropicProvider(primary.URL),
		"secondary": anthropicProvider(secondary.URL),
	}, map[string]config.Route{
		"smart": {Selectors: []string{"primary/claude-x", "secondary/claude-x"}},
	})

	out, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gjson.GetBytes(out.Body, "choices.0.message.content").String() != "hello" {
		t.Errorf("fallback response wrong: %s", out.Body)
	}
	if out.Provider != "secondary" {
		t.Errorf("Provider = %q, want secondary", out.Provider)
	}
}

func TestExecuteNonFallbackStatusPassesThrough(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer primary.Close()
	var secondaryHits atomic.Int64
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondaryHits.Add(1)
		w.Write([]byte(anthropicReply))
	}))
	defer secondary.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"primary":   anthropicProvider(primary.URL),
		"secondary": anthropicProvider(secondary.URL),
	}, map[string]config.Route{
		"smart": {Selectors: []string{"primary/claude-x", "secondary/claude-x"}},
	})

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	var apiErr *prism.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want passthrough 401 APIError", err)
	}
	if secondaryHits.Load() != 0 {
		t.Error("non-fallback status still triggered selector fallback")
	}
}

func TestExecuteAllAttemptsExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"a": anthropicProvider(srv.URL),
		"b": anthropicProvider(srv.URL),
	}, map[string]config.Route{
		"smart": {Selectors: []string{"a/claude-x", "b/claude-x"}},
	})

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	var fb *prism.FallbackError
	if !errors.As(err, &fb) {
		t.Fatalf("err = %v, want FallbackError", err)
	}
	if len(fb.Failures) != 2 {
		t.Errorf("failures = %d, want 2", len(fb.Failures))
	}
	if fb.LastStatus() != http.StatusTooManyRequests {
		t.Errorf("LastStatus = %d", fb.LastStatus())
	}
}

func TestExecuteUnknownAlias(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider("http://unused.example"),
	}, map[string]config.Route{
		"fast": {Selectors: []string{"anthropic/claude-x"}},
	})

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`),
	})
	if !errors.Is(err, prism.ErrRouteNotFound) {
		t.Fatalf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestExecuteNoCredentialsWithoutUpstreamCall(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	provider := anthropicProvider(srv.URL)
	provider.APIKey = ""
	d := newDispatcher(t, map[string]config.Provider{"anthropic": provider}, nil)

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"anthropic/claude-x","messages":[{"role":"user","content":"hi"}]}`),
	})
	if !errors.Is(err, prism.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if hits.Load() != 0 {
		t.Error("upstream called without credentials")
	}
}

func TestExecuteNoCredentialsSkipsSelectorFallback(t *testing.T) {
	t.Parallel()

	var secondaryHits atomic.Int64
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondaryHits.Add(1)
		w.Write([]byte(anthropicReply))
	}))
	defer secondary.Close()

	primary := anthropicProvider("http://unused.example")
	primary.APIKey = ""
	d := newDispatcher(t, map[string]config.Provider{
		"primary":   primary,
		"secondary": anthropicProvider(secondary.URL),
	}, map[string]config.Route{
		"smart": {Selectors: []string{"primary/claude-x", "secondary/claude-x"}},
	})

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	if !errors.Is(err, prism.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if secondaryHits.Load() != 0 {
		t.Error("auth failure traversed to the next selector")
	}
}

func TestExecuteBadRequestBody(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider("http://unused.example"),
	}, nil)

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"anthropic/claude-x","messages":[]}`),
	})
	if !errors.Is(err, prism.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestExecuteStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n" +
			`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":3}}}` + "\n\n" +
			"event: content_block_start\n" +
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}` + "\n\n" +
			"event: content_block_delta\n" +
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi there"}}` + "\n\n" +
			"event: content_block_stop\n" +
			`data: {"type":"content_block_stop","index":0}` + "\n\n" +
			"event: message_delta\n" +
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}` + "\n\n" +
			"event: message_stop\n" +
			`data: {"type":"message_stop"}` + "\n\n"))
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider(srv.URL),
	}, nil)

	out, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"anthropic/claude-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Frames == nil {
		t.Fatal("expected a streaming outcome")
	}

	var text string
	var sawDone bool
	for frame := range out.Frames {
		data := string(frame.Data)
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		text += gjson.Get(data, "choices.0.delta.content").String()
	}
	if text != "hi there" {
		t.Errorf("streamed text = %q", text)
	}
	if !sawDone {
		t.Error("missing [DONE] frame")
	}
}

func TestExecuteStreamClientCancel(t *testing.T) {
	t.Parallel()

	upstreamGone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamGone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n" +
			`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{}}}` + "\n\n"))
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
				w.Write([]byte("event: content_block_delta\n" +
					`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}` + "\n\n"))
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"anthropic": anthropicProvider(srv.URL),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := d.Execute(ctx, Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"anthropic/claude-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := <-out.Frames; !ok {
		t.Fatal("stream closed before any frame")
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-out.Frames:
			open = ok
		case <-deadline:
			t.Fatal("frame channel not closed after cancel")
		}
	}
	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream body not closed after cancel")
	}
}

func TestExecuteStreamUpstream429FallsBack(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n" +
			`data: {"type":"message_start","message":{"id":"msg_2","model":"claude-x","usage":{}}}` + "\n\n" +
			"event: message_stop\n" +
			`data: {"type":"message_stop"}` + "\n\n"))
	}))
	defer secondary.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"primary":   anthropicProvider(primary.URL),
		"secondary": anthropicProvider(secondary.URL),
	}, map[string]config.Route{
		"smart": {Selectors: []string{"primary/claude-x", "secondary/claude-x"}},
	})

	out, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"smart","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Provider != "secondary" {
		t.Errorf("Provider = %q, want secondary", out.Provider)
	}
	for range out.Frames {
	}
}

func TestUpstreamModelVariant(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody.Store(string(body))
		w.Write([]byte(`{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	d := newDispatcher(t, map[string]config.Provider{
		"openrouter": {
			Kind:     prism.KindOpenRouter,
			Endpoint: srv.URL,
			APIKey:   "or-key",
			Retry:    config.RetryConfig{MaxAttempts: 1},
			Timeout:  5 * time.Second,
		},
	}, nil)

	_, err := d.Execute(context.Background(), Inbound{
		Format: prism.FormatOpenAI,
		Body:   []byte(`{"model":"openrouter/z-ai/glm-4.5:free","messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	up := gotBody.Load().(string)
	if got := gjson.Get(up, "model").String(); got != "z-ai/glm-4.5:free" {
		t.Errorf("upstream model = %q, want variant rejoined", got)
	}
}
