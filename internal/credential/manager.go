package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	prism "github.com/prismproxy/prism/internal"
)

// refreshMargin is how long before expiry a token is refreshed. Long enough
// that a token handed out now survives a slow upstream call.
const refreshMargin = 10 * time.Minute

// Manager hands out access tokens, refreshing them ahead of expiry.
// Concurrent requests for the same identity share one refresh call.
type Manager struct {
	store  *Store
	client *http.Client
	log    *slog.Logger

	// newRefresher is swapped in tests.
	newRefresher func(identity string, client *http.Client) refresher
	// onRefresh reports refresh outcomes, e.g. to a metrics counter.
	onRefresh func(identity, result string)

	group singleflight.Group
}

// SetRefreshHook registers a callback invoked after every refresh attempt
// with result "success", "rejected", or "error".
func (m *Manager) SetRefreshHook(hook func(identity, result string)) {
	m.onRefresh = hook
}

func (m *Manager) reportRefresh(identity, result string) {
	if m.onRefresh != nil {
		m.onRefresh(identity, result)
	}
}

// NewManager wraps a store. client may be nil to use http.DefaultClient.
func NewManager(store *Store, client *http.Client, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, client: client, log: log, newRefresher: refresherFor}
}

// Token returns a valid access token for the identity, refreshing first when
// the stored one expires within the refresh margin. A token-endpoint 4xx
// invalidates the credential; transient refresh failures fall back to the
// cached token as long as it has not hard-expired.
func (m *Manager) Token(ctx context.Context, identity string) (Credential, error) {
	cred, ok := m.store.Get(identity)
	if !ok {
		return Credential{}, fmt.Errorf("%w: no stored credential for %q; run `prism auth %s`", prism.ErrNoCredentials, identity, identity)
	}
	if !cred.ExpiresWithin(refreshMargin) {
		return cred, nil
	}

	v, err, _ := m.group.Do(identity, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// while this one waited.
		cur, ok := m.store.Get(identity)
		if !ok {
			return Credential{}, fmt.Errorf("%w: no stored credential for %q; run `prism auth %s`", prism.ErrNoCredentials, identity, identity)
		}
		if !cur.ExpiresWithin(refreshMargin) {
			return cur, nil
		}
		return m.refresh(ctx, identity, cur)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *Manager) refresh(ctx context.Context, identity string, cur Credential) (Credential, error) {
	if cur.RefreshToken == "" {
		if cur.ExpiresWithin(0) {
			return Credential{}, fmt.Errorf("%w: token for %q expired and no refresh token is stored; run `prism auth %s`", prism.ErrNoCredentials, identity, identity)
		}
		return cur, nil
	}

	next, err := m.newRefresher(identity, m.client).Refresh(ctx, cur)
	if err != nil {
		var re *refreshError
		if errors.As(err, &re) && re.permanent() {
			m.reportRefresh(identity, "rejected")
			m.log.Warn("credential refresh rejected", "identity", identity, "status", re.StatusCode)
			return Credential{}, fmt.Errorf("%w: refresh for %q rejected (HTTP %d); run `prism auth %s`", prism.ErrNoCredentials, identity, re.StatusCode, identity)
		}
		m.reportRefresh(identity, "error")
		if errors.Is(err, prism.ErrNoCredentials) {
			return Credential{}, err
		}
		// Transient failure. Keep serving the cached token until it is
		// actually dead.
		if !cur.ExpiresWithin(0) {
			m.log.Warn("credential refresh failed, using cached token", "identity", identity, "error", err)
			return cur, nil
		}
		return Credential{}, fmt.Errorf("refresh token for %q: %w", identity, err)
	}

	m.reportRefresh(identity, "success")
	if err := m.store.Put(identity, next); err != nil {
		m.log.Warn("persist refreshed credential", "identity", identity, "error", err)
	}
	m.log.Info("credential refreshed", "identity", identity,
		"expires_at", time.UnixMilli(next.ExpiresAt).Format(time.RFC3339))
	return next, nil
}
