package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "credentials.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if names := s.Names(); len(names) != 0 {
		t.Fatalf("fresh store has identities %v", names)
	}

	want := Credential{
		AccessToken:  "tok-1",
		RefreshToken: "ref-1",
		ExpiresAt:    1700000000000,
		Scopes:       []string{"user:inference"},
	}
	if err := s.Put(IdentityClaude, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("store file mode = %o, want 600", perm)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(IdentityClaude)
	if !ok {
		t.Fatal("credential not found after reopen")
	}
	if got.AccessToken != want.AccessToken || got.ExpiresAt != want.ExpiresAt {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestStoreOpenCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open accepted corrupt store")
	}
}

func TestHasScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		scopes []string
		scope  string
		want   bool
	}{
		{"discrete", []string{"user:inference", "user:profile"}, "user:inference", true},
		{"space separated", []string{"openid email https://www.googleapis.com/auth/cloud-platform"}, "https://www.googleapis.com/auth/cloud-platform", true},
		{"missing", []string{"user:profile"}, "user:inference", false},
		{"empty", nil, "user:inference", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Credential{Scopes: tt.scopes}
			if got := c.HasScope(tt.scope); got != tt.want {
				t.Errorf("HasScope(%q) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}
}

func TestExpiresWithin(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name   string
		at     int64
		margin time.Duration
		want   bool
	}{
		{"unknown expiry", 0, time.Hour, false},
		{"far future", now.Add(2 * time.Hour).UnixMilli(), 10 * time.Minute, false},
		{"inside margin", now.Add(5 * time.Minute).UnixMilli(), 10 * time.Minute, true},
		{"already expired", now.Add(-time.Minute).UnixMilli(), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Credential{ExpiresAt: tt.at}
			if got := c.ExpiresWithin(tt.margin); got != tt.want {
				t.Errorf("ExpiresWithin(%v) = %v, want %v", tt.margin, got, tt.want)
			}
		})
	}
}

func writeClaudeFile(t *testing.T, home string, cred map[string]any) {
	t.Helper()
	dir := filepath.Join(home, ".config", "claude")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(map[string]any{"claudeAiOauth": cred})
	if err := os.WriteFile(filepath.Join(dir, ".credentials.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestImportClaudeNewerWins(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	store, err := Open(filepath.Join(home, "store.json"))
	if err != nil {
		t.Fatal(err)
	}

	writeClaudeFile(t, home, map[string]any{
		"accessToken":  "cli-token",
		"refreshToken": "cli-refresh",
		"expiresAt":    int64(2000),
		"scopes":       []string{"user:inference"},
	})

	imported, err := Import(store, IdentityClaude, home)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !imported {
		t.Fatal("expected import into empty store")
	}

	// A stored credential expiring later is kept.
	if err := store.Put(IdentityClaude, Credential{AccessToken: "newer", ExpiresAt: 3000, ProjectID: "proj-1"}); err != nil {
		t.Fatal(err)
	}
	imported, err = Import(store, IdentityClaude, home)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported {
		t.Error("import overwrote a newer stored credential")
	}

	// A fresher CLI file replaces it but keeps the local project id.
	writeClaudeFile(t, home, map[string]any{
		"accessToken": "freshest",
		"expiresAt":   int64(9000),
		"scopes":      []string{"user:inference"},
	})
	imported, err = Import(store, IdentityClaude, home)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !imported {
		t.Fatal("expected fresher CLI credential to win")
	}
	got, _ := store.Get(IdentityClaude)
	if got.AccessToken != "freshest" {
		t.Errorf("AccessToken = %q, want freshest", got.AccessToken)
	}
	if got.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want proj-1 preserved", got.ProjectID)
	}
}

func TestImportClaudeMissingScope(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	store, err := Open(filepath.Join(home, "store.json"))
	if err != nil {
		t.Fatal(err)
	}
	writeClaudeFile(t, home, map[string]any{
		"accessToken": "tok",
		"scopes":      []string{"user:profile"},
	})
	if _, err := Import(store, IdentityClaude, home); err == nil {
		t.Fatal("import accepted token without user:inference scope")
	}
}

func TestImportMissingFile(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	store, err := Open(filepath.Join(home, "store.json"))
	if err != nil {
		t.Fatal(err)
	}
	imported, err := Import(store, IdentityGemini, home)
	if err != nil {
		t.Fatalf("missing CLI file should not error, got %v", err)
	}
	if imported {
		t.Error("imported = true with no CLI file")
	}
}

func TestImportCodex(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", filepath.Join(home, "codexhome"))
	if err := os.MkdirAll(filepath.Join(home, "codexhome"), 0o700); err != nil {
		t.Fatal(err)
	}
	auth := map[string]any{
		"tokens": map[string]any{
			"access_token":  "codex-tok",
			"refresh_token": "codex-ref",
			"account_id":    "acct-1",
		},
		"last_refresh": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	data, _ := json.Marshal(auth)
	if err := os.WriteFile(filepath.Join(home, "codexhome", "auth.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	cred, err := ImportCodexCLI(home)
	if err != nil {
		t.Fatalf("ImportCodexCLI: %v", err)
	}
	if cred.AccessToken != "codex-tok" || cred.AccountID != "acct-1" {
		t.Errorf("unexpected credential %+v", cred)
	}
	wantExpiry := time.Now().Add(codexTokenTTL - time.Hour)
	if got := time.UnixMilli(cred.ExpiresAt); got.Sub(wantExpiry).Abs() > time.Minute {
		t.Errorf("ExpiresAt = %v, want about %v", got, wantExpiry)
	}
}
