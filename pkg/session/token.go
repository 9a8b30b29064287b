package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/metrics"
	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/types"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrFatalAuth is returned when tokens could not be obtained after every
// attempt. The process is expected to exit.
var ErrFatalAuth = errors.New("unable to obtain auth tokens")

// TokenConfig describes how a provider's tokens are obtained.
type TokenConfig struct {
	Provider string
	OAuth    oauth2.Config

	// AuthCode is exchanged for a token set when none has been stored yet.
	AuthCode string
	// SeedRefreshToken is refreshed when none has been stored yet and there is
	// no AuthCode.
	SeedRefreshToken string
	// ScopeOnRefresh sends OAuth.Scopes with every refresh_token grant, which
	// some providers require.
	ScopeOnRefresh bool
}

// TokenManager owns a provider's token set: it loads it from the store,
// refreshes it proactively and on demand, and persists every new set before
// it is used.
type TokenManager struct {
	cfg     TokenConfig
	policy  Policy
	store   store.Store
	client  *http.Client
	now     func() time.Time
	sleep   Sleeper
	metrics *metrics.Recorder

	current types.TokenSet
}

// NewTokenManager returns a TokenManager that persists to st.
func NewTokenManager(cfg TokenConfig, policy Policy, st store.Store, client *http.Client, rec *metrics.Recorder) *TokenManager {
	return &TokenManager{
		cfg:     cfg,
		policy:  policy,
		store:   st,
		client:  client,
		now:     time.Now,
		sleep:   Sleep,
		metrics: rec,
	}
}

// AuthCodeURL returns the URL a user visits to authorize access and obtain an
// authorization code.
func (m *TokenManager) AuthCodeURL() string {
	return m.cfg.OAuth.AuthCodeURL("")
}

// Token returns a usable access token. If force is set, or the token set is
// older than the policy's RefreshInterval, a new one is obtained first.
func (m *TokenManager) Token(ctx context.Context, force bool) (string, error) {
	if !force && !m.current.NeedsRefresh(m.now(), m.policy.RefreshInterval) {
		return m.current.AccessToken, nil
	}

	var ts types.TokenSet
	err := m.store.Update(ctx, store.TokenKey(m.cfg.Provider), &ts, func(found bool) error {
		// another run may have refreshed recently
		if found && !force && !ts.NeedsRefresh(m.now(), m.policy.RefreshInterval) {
			log.Ctx(ctx).DebugContext(ctx, "using stored tokens", slog.String("provider", m.cfg.Provider))
			return nil
		}
		next, err := m.obtain(ctx, ts)
		if err != nil {
			return err
		}
		ts = next
		return nil
	})
	if err != nil {
		return "", err
	}

	m.current = ts
	return ts.AccessToken, nil
}

// obtain refreshes ts or, if there is nothing to refresh, bootstraps a new
// token set. It retries up to TokenAttempts times.
func (m *TokenManager) obtain(ctx context.Context, ts types.TokenSet) (types.TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	var fetch func() (*oauth2.Token, error)
	switch {
	case ts.RefreshToken != "":
		log.Ctx(ctx).DebugContext(ctx, "refreshing tokens", slog.String("provider", m.cfg.Provider))
		fetch = m.refresher(ctx, ts.RefreshToken)
	case m.cfg.AuthCode != "":
		log.Ctx(ctx).InfoContext(ctx, "no tokens found, exchanging authorization code", slog.String("provider", m.cfg.Provider))
		fetch = func() (*oauth2.Token, error) {
			return m.cfg.OAuth.Exchange(ctx, m.cfg.AuthCode)
		}
	case m.cfg.SeedRefreshToken != "":
		log.Ctx(ctx).InfoContext(ctx, "no tokens found, refreshing seed token", slog.String("provider", m.cfg.Provider))
		fetch = m.refresher(ctx, m.cfg.SeedRefreshToken)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "no tokens found and nothing to bootstrap from", slog.String("provider", m.cfg.Provider))
		return ts, fmt.Errorf("%w: %s: no stored tokens, authorization code or refresh token", ErrFatalAuth, m.cfg.Provider)
	}

	attempts := m.policy.TokenAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		tok, err := fetch()
		if err == nil {
			m.metrics.ObserveTokenRefresh(m.cfg.Provider, true)
			next := types.TokenSet{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				LastRefresh:  m.now(),
			}
			// some providers only rotate the access token
			if next.RefreshToken == "" {
				next.RefreshToken = ts.RefreshToken
			}
			if next.RefreshToken == "" {
				next.RefreshToken = m.cfg.SeedRefreshToken
			}
			log.Ctx(ctx).InfoContext(
				ctx,
				"obtained tokens",
				slog.String("provider", m.cfg.Provider),
				log.Redacted("refreshToken", next.RefreshToken),
			)
			return next, nil
		}
		m.metrics.ObserveTokenRefresh(m.cfg.Provider, false)
		lastErr = err
		log.Ctx(ctx).WarnContext(
			ctx,
			"token request failed",
			slog.String("provider", m.cfg.Provider),
			slog.Int("attempt", i+1),
			slog.Any("error", err),
		)
		if i+1 < attempts {
			if err := m.sleep(ctx, m.policy.TokenRetryDelay); err != nil {
				return ts, err
			}
		}
	}

	log.Ctx(ctx).ErrorContext(ctx, "failed to obtain auth tokens", slog.String("provider", m.cfg.Provider), slog.Any("error", lastErr))
	return ts, fmt.Errorf("%w: %s: %w", ErrFatalAuth, m.cfg.Provider, lastErr)
}

func (m *TokenManager) refresher(ctx context.Context, refreshToken string) func() (*oauth2.Token, error) {
	if m.cfg.ScopeOnRefresh {
		cc := clientcredentials.Config{
			ClientID:     m.cfg.OAuth.ClientID,
			ClientSecret: m.cfg.OAuth.ClientSecret,
			TokenURL:     m.cfg.OAuth.Endpoint.TokenURL,
			Scopes:       m.cfg.OAuth.Scopes,
			EndpointParams: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {refreshToken},
			},
			AuthStyle: m.cfg.OAuth.Endpoint.AuthStyle,
		}
		return func() (*oauth2.Token, error) {
			return cc.Token(ctx)
		}
	}
	return func() (*oauth2.Token, error) {
		// an empty access token forces the source to refresh
		return m.cfg.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}
}
