package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/jnickel/tokengate/internal/tokenstore"
)

const (
	// defaultExpiryMargin renews this long before the access token actually
	// expires, so in-flight requests do not race the expiry instant.
	defaultExpiryMargin = 30 * time.Second

	defaultRequestTimeout = 30 * time.Second

	// maxRefreshElapsed bounds transient-failure retries within one renewal
	// operation. The renewal coordinator never retries a settled cycle, so
	// this is the total budget per cycle.
	maxRefreshElapsed = 45 * time.Second

	maxResponseBodyBytes = 1 << 20
)

// ErrNotAuthenticated is returned by Refresh when no refresh token is
// stored. Run the interactive login first.
var ErrNotAuthenticated = errors.New("tokensource: no refresh token stored")

// Config describes the token endpoint.
type Config struct {
	TokenURL string
	ClientID string
	Scopes   []string
}

// Source provides access tokens via the OAuth2 refresh-token grant.
// It implements tokengate.CredentialProvider plus the RequestSkipper
// capability (its own token-endpoint traffic bypasses interception).
type Source struct {
	cfg    Config
	store  tokenstore.Store
	client *http.Client
	margin time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	access  string
	expiry  time.Time
	rotated string // refresh token the store could not persist
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithHTTPClient sets the client used for token-endpoint requests
// (e.g. for proxies or custom timeouts).
func WithHTTPClient(client *http.Client) SourceOption {
	return func(s *Source) {
		if client != nil {
			s.client = client
		}
	}
}

// WithExpiryMargin sets how long before actual expiry the cached access
// token is considered stale.
func WithExpiryMargin(margin time.Duration) SourceOption {
	return func(s *Source) {
		if margin > 0 {
			s.margin = margin
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Source reading and persisting the refresh token in store.
func New(cfg Config, store tokenstore.Store, opts ...SourceOption) (*Source, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("tokensource: token url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("tokensource: client id is required")
	}
	if store == nil {
		return nil, errors.New("tokensource: token store is required")
	}

	s := &Source{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: defaultRequestTimeout},
		margin: defaultExpiryMargin,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token returns the cached access token while it is valid, and an empty
// credential otherwise. It never renews: an unauthenticated request runs
// into the server's rejection, which routes renewal through the
// interceptor's single-flight coordination.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == "" || time.Now().After(s.expiry.Add(-s.margin)) {
		return "", nil
	}
	return s.access, nil
}

// ShouldRefresh reports credential expiry: the server answered 401.
// Transport-level errors are not renewal triggers.
func (s *Source) ShouldRefresh(resp *http.Response, err error) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}

// SkipRequest excludes the Source's own token-endpoint traffic from
// interception, should the host route it through the same transport.
func (s *Source) SkipRequest(req *http.Request) bool {
	return req.URL.String() == s.cfg.TokenURL
}

// refreshRequest is the JSON body of the refresh-token grant.
type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// Refresh exchanges the stored refresh token for a fresh access token.
// Transient failures are retried with exponential backoff within the
// configured budget; a 4xx response settles the renewal as failed.
func (s *Source) Refresh(ctx context.Context) error {
	refreshToken, err := s.currentRefreshToken(ctx)
	if err != nil {
		return err
	}
	if refreshToken == "" {
		return ErrNotAuthenticated
	}

	token, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		return s.exchange(ctx, refreshToken)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxRefreshElapsed),
	)
	if err != nil {
		return fmt.Errorf("refreshing access token: %w", err)
	}

	s.adopt(ctx, token)
	return nil
}

// currentRefreshToken prefers an unpersisted rotation over the store.
func (s *Source) currentRefreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	rotated := s.rotated
	s.mu.Unlock()
	if rotated != "" {
		return rotated, nil
	}

	stored, err := s.store.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}
	return stored, nil
}

// exchange performs one token-endpoint request. Errors are wrapped with
// backoff.Permanent when retrying cannot help.
func (s *Source) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     s.cfg.ClientID,
	})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshaling refresh request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating refresh request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	now := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		// Network-level failure: worth retrying within the budget.
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decoding
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	default:
		// The endpoint rejected the grant; retrying the same token is futile.
		return nil, backoff.Permanent(fmt.Errorf("refresh rejected with status %d", resp.StatusCode))
	}

	var token oauth2.Token
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&token); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding refresh response: %w", err))
	}
	if token.AccessToken == "" {
		return nil, backoff.Permanent(errors.New("token endpoint returned no access token"))
	}

	// Convert ExpiresIn to Expiry (see oauth2.Token.ExpiresIn field documentation)
	if token.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	return &token, nil
}

// adopt caches the fresh access token and persists a rotated refresh token.
func (s *Source) adopt(ctx context.Context, token *oauth2.Token) {
	s.mu.Lock()
	s.access = token.AccessToken
	s.expiry = token.Expiry
	if token.RefreshToken != "" {
		s.rotated = token.RefreshToken
	}
	rotated := s.rotated
	s.mu.Unlock()

	if rotated == "" {
		return
	}

	err := s.store.Write(ctx, rotated)
	switch {
	case errors.Is(err, tokenstore.ErrReadOnly):
		s.logger.Debug("refresh token rotated but store is read-only, keeping in memory")
	case err != nil:
		// Keep the rotation in memory; losing it would strand the session.
		s.logger.Warn("failed to persist rotated refresh token", "error", err)
	default:
		s.mu.Lock()
		s.rotated = ""
		s.mu.Unlock()
	}
}
