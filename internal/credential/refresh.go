package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"

	prism "github.com/prismproxy/prism/internal"
)

// OAuth constants for the client applications whose credentials the proxy
// can import and refresh.
const (
	anthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"

	// AnthropicBetaHeader is sent on refresh calls and on proxied requests
	// authenticated with an OAuth token.
	AnthropicBetaHeader = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

	openaiClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	openaiTokenURL = "https://auth.openai.com/oauth/token"

	googleTokenURL = "https://oauth2.googleapis.com/token"
)

// refreshError distinguishes token-endpoint rejections (the refresh token is
// dead, re-auth required) from transient failures.
type refreshError struct {
	StatusCode int
	Body       string
}

func (e *refreshError) Error() string {
	return fmt.Sprintf("token refresh failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// permanent reports whether retrying with the same refresh token is useless.
func (e *refreshError) permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// refresher exchanges a refresh token for a new credential.
type refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// refresherFor maps an identity to its token endpoint. The zero-value
// fallback refuses to refresh, which surfaces as a re-auth error.
func refresherFor(identity string, client *http.Client) refresher {
	switch identity {
	case IdentityClaude:
		return &anthropicRefresher{client: client}
	case IdentityGemini:
		return &googleRefresher{client: client}
	case IdentityCodex:
		return &openaiRefresher{client: client}
	default:
		return noRefresher{identity}
	}
}

type noRefresher struct{ identity string }

func (n noRefresher) Refresh(context.Context, Credential) (Credential, error) {
	return Credential{}, fmt.Errorf("%w: identity %q has no refresh endpoint", prism.ErrNoCredentials, n.identity)
}

// anthropicRefresher refreshes Claude OAuth tokens. The endpoint takes a
// JSON body rather than the usual form encoding, and requires the beta
// feature header.
type anthropicRefresher struct {
	client *http.Client
}

func (a *anthropicRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"client_id":     anthropicClientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicTokenURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", AnthropicBetaHeader)

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := doTokenRequest(a.client, req, &out); err != nil {
		return Credential{}, err
	}
	next := cred
	next.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	next.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second).UnixMilli()
	return next, nil
}

// openaiRefresher refreshes Codex OAuth tokens.
type openaiRefresher struct {
	client *http.Client
}

func (o *openaiRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":     openaiClientID,
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"scope":         "openid profile email",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiTokenURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := doTokenRequest(o.client, req, &out); err != nil {
		return Credential{}, err
	}
	next := cred
	if out.AccessToken != "" {
		next.AccessToken = out.AccessToken
	}
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl == 0 {
		ttl = codexTokenTTL
	}
	next.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	return next, nil
}

// googleRefresher refreshes Google OAuth tokens via the standard token
// endpoint. Google requires the original client id and secret, which are not
// recorded in the Gemini CLI credential file; they come from the environment
// and, absent that, the credential is import-only and re-auth goes through
// the Gemini CLI.
type googleRefresher struct {
	client *http.Client
}

func (g *googleRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	clientID := os.Getenv("GOOGLE_OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET")
	if clientID == "" {
		return Credential{}, fmt.Errorf("%w: google token expired and GOOGLE_OAUTH_CLIENT_ID is not set; run `gemini auth login` and restart, or `prism auth gemini`", prism.ErrNoCredentials)
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	if g.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return Credential{}, &refreshError{
				StatusCode: retrieve.Response.StatusCode,
				Body:       string(retrieve.Body),
			}
		}
		return Credential{}, err
	}
	next := cred
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = tok.Expiry.UnixMilli()
	return next, nil
}

// doTokenRequest executes a token-endpoint call and decodes the JSON reply.
func doTokenRequest(client *http.Client, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return &refreshError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	return nil
}
