package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prismproxy/prism/internal/credential"
)

// runAuth implements `prism auth <identity>`: import the identity's tokens
// from its CLI tool and print the stored credential status.
func runAuth(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: prism auth <claude|gemini|codex>")
	}
	identity := args[0]
	switch identity {
	case credential.IdentityClaude, credential.IdentityGemini, credential.IdentityCodex:
	default:
		return fmt.Errorf("unknown identity %q: expected claude, gemini, or codex", identity)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	imported, err := credential.Import(store, identity, home)
	if err != nil {
		return fmt.Errorf("import %s credentials: %w", identity, err)
	}

	cred, ok := store.Get(identity)
	if !ok {
		return fmt.Errorf("no %s credentials found; log in with the %s CLI first", identity, cliNameFor(identity))
	}

	if imported {
		fmt.Printf("imported %s credentials\n", identity)
	} else {
		fmt.Printf("%s credentials already up to date\n", identity)
	}
	if cred.ExpiresAt > 0 {
		expiry := time.UnixMilli(cred.ExpiresAt)
		state := "valid"
		if time.Now().After(expiry) {
			state = "expired (will refresh on first use)"
		}
		fmt.Printf("  expires: %s (%s)\n", expiry.Format(time.RFC3339), state)
	}
	if cred.ProjectID != "" {
		fmt.Printf("  project: %s\n", cred.ProjectID)
	}
	return nil
}

func cliNameFor(identity string) string {
	switch identity {
	case credential.IdentityClaude:
		return "claude"
	case credential.IdentityGemini:
		return "gemini"
	default:
		return "codex"
	}
}
