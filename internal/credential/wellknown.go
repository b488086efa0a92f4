package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Identity names used by the provider config's oauth field.
const (
	IdentityClaude = "claude"
	IdentityGemini = "gemini"
	IdentityCodex  = "codex"
)

// ImportClaudeCode reads the Claude Code credential file
// (~/.config/claude/.credentials.json). The token must carry the
// user:inference scope; expiry is not checked here since the refresh token
// can revive an expired credential.
func ImportClaudeCode(home string) (Credential, error) {
	path := filepath.Join(home, ".config", "claude", ".credentials.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("read %s: %w", path, err)
	}
	var f struct {
		ClaudeAiOauth struct {
			AccessToken  string   `json:"accessToken"`
			RefreshToken string   `json:"refreshToken"`
			ExpiresAt    int64    `json:"expiresAt"`
			Scopes       []string `json:"scopes"`
		} `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Credential{}, fmt.Errorf("parse %s: %w", path, err)
	}
	o := f.ClaudeAiOauth
	if o.AccessToken == "" {
		return Credential{}, fmt.Errorf("%s: no access token", path)
	}
	cred := Credential{
		AccessToken:  o.AccessToken,
		RefreshToken: o.RefreshToken,
		ExpiresAt:    o.ExpiresAt,
		Scopes:       o.Scopes,
	}
	if !cred.HasScope("user:inference") {
		return Credential{}, fmt.Errorf("%s: token missing required user:inference scope", path)
	}
	return cred, nil
}

// ImportGeminiCLI reads the Gemini CLI credential file
// (~/.gemini/oauth_creds.json). The token must carry the cloud-platform
// scope.
func ImportGeminiCLI(home string) (Credential, error) {
	path := filepath.Join(home, ".gemini", "oauth_creds.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("read %s: %w", path, err)
	}
	var f struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiryDate   int64  `json:"expiry_date"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Credential{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.AccessToken == "" {
		return Credential{}, fmt.Errorf("%s: no access token", path)
	}
	cred := Credential{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		ExpiresAt:    f.ExpiryDate,
		Scopes:       []string{f.Scope},
	}
	if !cred.HasScope("https://www.googleapis.com/auth/cloud-platform") {
		return Credential{}, fmt.Errorf("%s: token missing required cloud-platform scope", path)
	}
	return cred, nil
}

// codexTokenTTL is assumed for Codex tokens; the auth file records no expiry
// and the CLI itself refreshes on a 28 day cadence.
const codexTokenTTL = 28 * 24 * time.Hour

// ImportCodexCLI reads the Codex CLI auth file ($CODEX_HOME/auth.json,
// defaulting to ~/.codex/auth.json).
func ImportCodexCLI(home string) (Credential, error) {
	dir := os.Getenv("CODEX_HOME")
	if dir == "" {
		dir = filepath.Join(home, ".codex")
	}
	path := filepath.Join(dir, "auth.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("read %s: %w", path, err)
	}
	var f struct {
		Tokens *struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			AccountID    string `json:"account_id"`
		} `json:"tokens"`
		LastRefresh string `json:"last_refresh"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Credential{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Tokens == nil || f.Tokens.AccessToken == "" {
		return Credential{}, fmt.Errorf("%s: no tokens", path)
	}
	expires := time.Now().Add(codexTokenTTL)
	if t, err := time.Parse(time.RFC3339, f.LastRefresh); err == nil {
		expires = t.Add(codexTokenTTL)
	}
	return Credential{
		AccessToken:  f.Tokens.AccessToken,
		RefreshToken: f.Tokens.RefreshToken,
		ExpiresAt:    expires.UnixMilli(),
		AccountID:    f.Tokens.AccountID,
	}, nil
}

// importers maps identity names to their CLI credential readers.
var importers = map[string]func(home string) (Credential, error){
	IdentityClaude: ImportClaudeCode,
	IdentityGemini: ImportGeminiCLI,
	IdentityCodex:  ImportCodexCLI,
}

// Import merges CLI credentials for the named identity into the store. When
// both the store and the CLI file hold tokens, the one expiring later wins.
// A missing CLI file is not an error; it returns (false, nil).
func Import(store *Store, identity, home string) (bool, error) {
	imp, ok := importers[identity]
	if !ok {
		return false, nil
	}
	fresh, err := imp(home)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if existing, ok := store.Get(identity); ok && existing.ExpiresAt >= fresh.ExpiresAt {
		return false, nil
	}
	// Project id is local config, never present in the CLI files; keep it.
	if existing, ok := store.Get(identity); ok && fresh.ProjectID == "" {
		fresh.ProjectID = existing.ProjectID
	}
	if err := store.Put(identity, fresh); err != nil {
		return false, err
	}
	return true, nil
}
