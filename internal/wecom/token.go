package wecom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wecombot/internal/metrics"
)

// DefaultTokenMargin is how long before expiry a cached token stops being served.
const DefaultTokenMargin = 300 * time.Second

// Credential is an access token and the instant it stops being valid.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// TokenSource fetches a fresh access token from the vendor.
type TokenSource interface {
	FetchToken(ctx context.Context) (token string, expiresIn time.Duration, err error)
}

type TokenCacheConfig struct {
	Source TokenSource
	Margin time.Duration    // default DefaultTokenMargin
	Now    func() time.Time // default time.Now
	Logger *slog.Logger
}

// TokenCache holds a single access credential. Get and Invalidate are
// serialized by one mutex that is also held across the fetch, so concurrent
// callers near expiry share a single refresh.
type TokenCache struct {
	mu     sync.Mutex
	cred   *Credential
	source TokenSource
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewTokenCache(cfg TokenCacheConfig) *TokenCache {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultTokenMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenCache{
		source: cfg.Source,
		margin: cfg.Margin,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Get returns a token valid for at least the safety margin, fetching a new one if needed.
func (tc *TokenCache) Get(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()
	if tc.cred != nil && tc.cred.ExpiresAt.Sub(now) > tc.margin {
		return tc.cred.Token, nil
	}

	if tc.source == nil {
		return "", fmt.Errorf("%w: no token source configured", ErrCredentialFetch)
	}
	token, expiresIn, err := tc.source.FetchToken(ctx)
	if err != nil {
		metrics.TokenFetchErrors.Inc()
		return "", fmt.Errorf("%w: %w", ErrCredentialFetch, err)
	}
	tc.cred = &Credential{Token: token, ExpiresAt: now.Add(expiresIn)}
	metrics.TokenRefreshes.Inc()
	tc.logger.Debug("access token refreshed", "expires_at", tc.cred.ExpiresAt)
	return token, nil
}

// Invalidate drops the cached credential; the next Get fetches.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.cred = nil
	tc.mu.Unlock()
	tc.logger.Debug("access token invalidated")
}

// Peek returns a copy of the cached credential without refreshing it.
func (tc *TokenCache) Peek() (Credential, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.cred == nil {
		return Credential{}, false
	}
	return *tc.cred, true
}
