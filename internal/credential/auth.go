package credential

import (
	"context"
	"fmt"
	"net/http"

	prism "github.com/prismproxy/prism/internal"
)

// Scheme is how a request authenticates to an upstream.
type Scheme int

const (
	SchemeOAuth Scheme = iota
	SchemeAPIKey
)

func (s Scheme) String() string {
	if s == SchemeAPIKey {
		return "api_key"
	}
	return "oauth"
}

// Source is one way to authenticate a provider, resolvable to Material.
type Source struct {
	Scheme   Scheme
	Identity string // oauth only
	APIKey   string // api_key only
}

// Material is a resolved token ready to attach to a request.
type Material struct {
	Scheme    Scheme
	Token     string
	ProjectID string
	AccountID string
}

// Plan orders the authentication sources for a provider. OAuth comes first
// when configured; the API key follows as a fallback when requested, or
// stands alone when there is no OAuth identity.
func Plan(oauthIdentity, apiKey string, apiKeyFallback bool) []Source {
	var sources []Source
	if oauthIdentity != "" {
		sources = append(sources, Source{Scheme: SchemeOAuth, Identity: oauthIdentity})
	}
	if apiKey != "" && (oauthIdentity == "" || apiKeyFallback) {
		sources = append(sources, Source{Scheme: SchemeAPIKey, APIKey: apiKey})
	}
	return sources
}

// Resolve turns a source into attachable material, refreshing OAuth tokens
// through the manager as needed.
func (m *Manager) Resolve(ctx context.Context, src Source) (Material, error) {
	switch src.Scheme {
	case SchemeAPIKey:
		return Material{Scheme: SchemeAPIKey, Token: src.APIKey}, nil
	case SchemeOAuth:
		cred, err := m.Token(ctx, src.Identity)
		if err != nil {
			return Material{}, err
		}
		return Material{
			Scheme:    SchemeOAuth,
			Token:     cred.AccessToken,
			ProjectID: cred.ProjectID,
			AccountID: cred.AccountID,
		}, nil
	default:
		return Material{}, fmt.Errorf("unknown auth scheme %d", src.Scheme)
	}
}

const anthropicVersion = "2023-06-01"

// Anthropic's OAuth path only serves Claude Code traffic; requests must carry
// the CLI's identification headers.
const (
	oauthUserAgent = "claude-cli/1.0.0"
	oauthAppHeader = "cli"
)

// Apply attaches the material to an upstream request using the header or
// query convention of the provider kind.
func Apply(req *http.Request, kind prism.ProviderKind, mat Material) {
	switch kind {
	case prism.KindAnthropic:
		req.Header.Set("anthropic-version", anthropicVersion)
		if mat.Scheme == SchemeOAuth {
			req.Header.Set("Authorization", "Bearer "+mat.Token)
			req.Header.Set("anthropic-beta", AnthropicBetaHeader)
			req.Header.Set("User-Agent", oauthUserAgent)
			req.Header.Set("x-app", oauthAppHeader)
		} else {
			req.Header.Set("x-api-key", mat.Token)
		}
	case prism.KindGemini:
		if mat.Scheme == SchemeOAuth {
			req.Header.Set("Authorization", "Bearer "+mat.Token)
			if mat.ProjectID != "" {
				req.Header.Set("x-goog-user-project", mat.ProjectID)
			}
		} else {
			q := req.URL.Query()
			q.Set("key", mat.Token)
			req.URL.RawQuery = q.Encode()
		}
	default: // openai, openrouter
		req.Header.Set("Authorization", "Bearer "+mat.Token)
	}
}
