package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	prism "github.com/prismproxy/prism/internal"
)

type fakeRefresher struct {
	calls atomic.Int64
	block chan struct{} // closed to release, nil to skip
	cred  Credential
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ Credential) (Credential, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.cred, f.err
}

func newTestManager(t *testing.T, fake refresher) (*Manager, *Store) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(store, nil, nil)
	m.newRefresher = func(string, *http.Client) refresher { return fake }
	return m, store
}

func TestTokenFreshSkipsRefresh(t *testing.T) {
	t.Parallel()

	fake := &fakeRefresher{}
	m, store := newTestManager(t, fake)
	if err := store.Put(IdentityClaude, Credential{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	cred, err := m.Token(context.Background(), IdentityClaude)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if cred.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q", cred.AccessToken)
	}
	if n := fake.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times for a fresh token", n)
	}
}

func TestTokenMissingIdentity(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeRefresher{})
	_, err := m.Token(context.Background(), IdentityCodex)
	if !errors.Is(err, prism.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestTokenRefreshesAndPersists(t *testing.T) {
	t.Parallel()

	fake := &fakeRefresher{cred: Credential{
		AccessToken:  "new-token",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(8 * time.Hour).UnixMilli(),
	}}
	m, store := newTestManager(t, fake)
	if err := store.Put(IdentityClaude, Credential{
		AccessToken:  "stale",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	cred, err := m.Token(context.Background(), IdentityClaude)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if cred.AccessToken != "new-token" {
		t.Errorf("AccessToken = %q, want new-token", cred.AccessToken)
	}
	stored, _ := store.Get(IdentityClaude)
	if stored.AccessToken != "new-token" {
		t.Error("refreshed credential was not persisted")
	}
}

func TestTokenRefreshCoalesced(t *testing.T) {
	t.Parallel()

	fake := &fakeRefresher{
		block: make(chan struct{}),
		cred: Credential{
			AccessToken: "coalesced",
			ExpiresAt:   time.Now().Add(8 * time.Hour).UnixMilli(),
		},
	}
	m, store := newTestManager(t, fake)
	if err := store.Put(IdentityClaude, Credential{
		AccessToken:  "stale",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Token(context.Background(), IdentityClaude)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(fake.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
}

func TestTokenRefreshRejectedInvalidates(t *testing.T) {
	t.Parallel()

	fake := &fakeRefresher{err: &refreshError{StatusCode: 400, Body: "invalid_grant"}}
	m, store := newTestManager(t, fake)
	if err := store.Put(IdentityClaude, Credential{
		AccessToken:  "stale",
		RefreshToken: "dead-ref",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := m.Token(context.Background(), IdentityClaude)
	if !errors.Is(err, prism.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestTokenTransientFailureKeepsCached(t *testing.T) {
	t.Parallel()

	fake := &fakeRefresher{err: &refreshError{StatusCode: 503, Body: "unavailable"}}
	m, store := newTestManager(t, fake)
	// Inside the refresh margin but not expired.
	if err := store.Put(IdentityClaude, Credential{
		AccessToken:  "cached",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(5 * time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	cred, err := m.Token(context.Background(), IdentityClaude)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if cred.AccessToken != "cached" {
		t.Errorf("AccessToken = %q, want cached token on transient failure", cred.AccessToken)
	}
}

func TestTokenExpiredNoRefreshToken(t *testing.T) {
	t.Parallel()

	fake := &fakeRefresher{}
	m, store := newTestManager(t, fake)
	if err := store.Put(IdentityGemini, Credential{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := m.Token(context.Background(), IdentityGemini)
	if !errors.Is(err, prism.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if n := fake.calls.Load(); n != 0 {
		t.Errorf("refresh attempted %d times without a refresh token", n)
	}
}

func TestAnthropicRefresher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("anthropic-beta"); got != AnthropicBetaHeader {
			t.Errorf("anthropic-beta = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","expires_in":3600}`))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	req.Header.Set("anthropic-beta", AnthropicBetaHeader)
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := doTokenRequest(srv.Client(), req, &out); err != nil {
		t.Fatalf("doTokenRequest: %v", err)
	}
	if out.AccessToken != "at-new" || out.ExpiresIn != 3600 {
		t.Errorf("unexpected response %+v", out)
	}
}

func TestDoTokenRequestError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	err := doTokenRequest(srv.Client(), req, &struct{}{})
	var re *refreshError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want refreshError", err)
	}
	if !re.permanent() {
		t.Error("400 should be permanent")
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		oauth    string
		apiKey   string
		fallback bool
		want     []Scheme
	}{
		{"oauth only", "claude", "", false, []Scheme{SchemeOAuth}},
		{"oauth with key no fallback", "claude", "sk-1", false, []Scheme{SchemeOAuth}},
		{"oauth with key fallback", "claude", "sk-1", true, []Scheme{SchemeOAuth, SchemeAPIKey}},
		{"key only", "", "sk-1", false, []Scheme{SchemeAPIKey}},
		{"nothing", "", "", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sources := Plan(tt.oauth, tt.apiKey, tt.fallback)
			if len(sources) != len(tt.want) {
				t.Fatalf("got %d sources, want %d", len(sources), len(tt.want))
			}
			for i, s := range sources {
				if s.Scheme != tt.want[i] {
					t.Errorf("source[%d].Scheme = %v, want %v", i, s.Scheme, tt.want[i])
				}
			}
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	newReq := func() *http.Request {
		r, _ := http.NewRequest(http.MethodPost, "https://upstream.example/v1/messages", nil)
		return r
	}

	t.Run("anthropic oauth", func(t *testing.T) {
		t.Parallel()
		r := newReq()
		Apply(r, prism.KindAnthropic, Material{Scheme: SchemeOAuth, Token: "at"})
		if got := r.Header.Get("Authorization"); got != "Bearer at" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("anthropic-beta") == "" {
			t.Error("missing anthropic-beta header")
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != oauthUserAgent {
			t.Errorf("User-Agent = %q, want the CLI identification", got)
		}
		if got := r.Header.Get("x-app"); got != oauthAppHeader {
			t.Errorf("x-app = %q", got)
		}
	})

	t.Run("anthropic api key", func(t *testing.T) {
		t.Parallel()
		r := newReq()
		Apply(r, prism.KindAnthropic, Material{Scheme: SchemeAPIKey, Token: "sk-1"})
		if got := r.Header.Get("x-api-key"); got != "sk-1" {
			t.Errorf("x-api-key = %q", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("api key auth should not set Authorization")
		}
	})

	t.Run("gemini oauth with project", func(t *testing.T) {
		t.Parallel()
		r := newReq()
		Apply(r, prism.KindGemini, Material{Scheme: SchemeOAuth, Token: "at", ProjectID: "proj-1"})
		if got := r.Header.Get("x-goog-user-project"); got != "proj-1" {
			t.Errorf("x-goog-user-project = %q", got)
		}
	})

	t.Run("gemini api key goes in query", func(t *testing.T) {
		t.Parallel()
		r := newReq()
		Apply(r, prism.KindGemini, Material{Scheme: SchemeAPIKey, Token: "AIza-key"})
		if got := r.URL.Query().Get("key"); got != "AIza-key" {
			t.Errorf("key query param = %q", got)
		}
	})

	t.Run("openrouter bearer", func(t *testing.T) {
		t.Parallel()
		r := newReq()
		Apply(r, prism.KindOpenRouter, Material{Scheme: SchemeAPIKey, Token: "or-key"})
		if got := r.Header.Get("Authorization"); got != "Bearer or-key" {
			t.Errorf("Authorization = %q", got)
		}
	})
}
