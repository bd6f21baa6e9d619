package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// GitHubTokenURL is the exchange endpoint that turns a long-lived GitHub
// token into a short-lived Copilot session token.
const GitHubTokenURL = "https://api.github.com/copilot_internal/v2/token"

const cachedTokenKey = "copilot-token"

// defaultTokenTTL bounds the cached session token lifetime when the
// token itself does not carry a readable expiry.
const defaultTokenTTL = 25 * time.Minute

// ErrNoCredentials is returned when no source yields a usable token.
var ErrNoCredentials = errors.New("no Copilot credentials available")

// ResolveOptions controls credential selection for one request.
type ResolveOptions struct {
	// HeaderToken is the bearer extracted from the inbound Authorization
	// header, already stripped of the "Bearer " prefix.
	HeaderToken string
	// Fallback is a caller-supplied credential, typically the token the
	// server was launched with.
	Fallback string
	// RefreshIfMissing permits a refresh through the active profile's
	// refresh token when every passive source comes up empty.
	RefreshIfMissing bool
}

// Resolver selects the credential to use for a request and owns the
// cooperative refresh path. At most one refresh is in flight
// process-wide; concurrent callers share its outcome.
type Resolver struct {
	store      *Store
	httpClient *http.Client
	logger     *zap.Logger
	cache      *gocache.Cache
	group      singleflight.Group

	// tokenURL is swapped out by tests.
	tokenURL string
}

// NewResolver builds a resolver backed by the given profile store.
func NewResolver(store *Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		cache:      gocache.New(defaultTokenTTL, 10*time.Minute),
		tokenURL:   GitHubTokenURL,
	}
}

// Resolve picks the credential for one request. Sources are consulted in
// order: inbound header, caller fallback, the process-local cache, the
// on-disk credential, and finally (only when RefreshIfMissing) a refresh
// via the active profile. Returns "" when nothing resolves.
func (r *Resolver) Resolve(ctx context.Context, opts ResolveOptions) string {
	if IsCopilotToken(opts.HeaderToken) {
		r.prime(opts.HeaderToken)
		return opts.HeaderToken
	}
	if IsCopilotToken(opts.Fallback) {
		r.prime(opts.Fallback)
		return opts.Fallback
	}
	if v, ok := r.cache.Get(cachedTokenKey); ok {
		if tok := v.(string); !TokenExpired(tok) {
			return tok
		}
	}
	if tok := r.diskToken(); tok != "" {
		r.prime(tok)
		return tok
	}
	if opts.RefreshIfMissing {
		tok, err := r.Refresh(ctx)
		if err != nil {
			r.logger.Debug("token refresh failed", zap.Error(err))
			return ""
		}
		return tok
	}
	return ""
}

// diskToken reads the active profile's stored session token, falling
// back to the legacy single-credential files.
func (r *Resolver) diskToken() string {
	if p, err := r.store.ActiveProfile(); err == nil && p != nil {
		if IsCopilotToken(p.Token) && !TokenExpired(p.Token) {
			return p.Token
		}
	}
	return r.store.ReadLegacyCredential()
}

// prime stores a credential in the process-local cache with an expiry
// derived from the token itself when available.
func (r *Resolver) prime(token string) {
	ttl := defaultTokenTTL
	if exp, ok := TokenExpiry(token); ok {
		if d := time.Until(exp); d > 0 && d < ttl {
			ttl = d
		}
	}
	r.cache.Set(cachedTokenKey, token, ttl)
}

// Refresh exchanges the active profile's refresh token for a new session
// token. Concurrent callers are collapsed into a single upstream call
// and all observe the same result. A successful refresh updates the
// stored profile and the process-local cache; a failure leaves prior
// state intact.
func (r *Resolver) Refresh(ctx context.Context) (string, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return r.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) doRefresh(ctx context.Context) (string, error) {
	profile, err := r.store.ActiveProfile()
	if err != nil {
		return "", err
	}
	if profile == nil || profile.RefreshToken == "" {
		return "", ErrNoCredentials
	}

	token, err := r.exchange(ctx, profile.RefreshToken)
	if err != nil {
		return "", err
	}

	profile.Token = token
	profile.UpdatedAt = time.Now().UnixMilli()
	if err := r.store.SaveProfile(profile.ID, profile); err != nil {
		r.logger.Warn("persisting refreshed token", zap.Error(err))
	}
	r.prime(token)
	r.logger.Info("refreshed Copilot session token",
		zap.String("profile", profile.ID),
		zap.String("token", MaskToken(token)))
	return token, nil
}

// exchange calls the GitHub token endpoint with the long-lived token.
func (r *Resolver) exchange(ctx context.Context, refreshToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.tokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+refreshToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "copilot-cli/1.0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token exchange failed: %s - %s", resp.Status, string(body))
	}

	var out struct {
		Token     string      `json:"token"`
		ExpiresAt json.Number `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("token exchange returned an empty token")
	}
	return out.Token, nil
}

// CachedToken exposes the process-local token for diagnostics. Returns
// "" when nothing is cached.
func (r *Resolver) CachedToken() string {
	if v, ok := r.cache.Get(cachedTokenKey); ok {
		return v.(string)
	}
	return ""
}
