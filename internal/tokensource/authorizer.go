package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Authorizer handles the interactive OAuth2 authorization-code flow with
// PKCE. It exists to obtain the initial refresh token that seeds the token
// store; everything afterwards runs through Source.Refresh. The token
// exchange is JSON-encoded to match the endpoints Source talks to.
type Authorizer struct {
	config *oauth2.Config
	client *http.Client
}

// NewAuthorizer creates an authorizer for the given endpoint.
func NewAuthorizer(cfg Config, authURL, redirectURL string) *Authorizer {
	return &Authorizer{
		config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: redirectURL,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: cfg.TokenURL,
			},
		},
		client: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// AuthCodeURL generates the authorization URL with an S256 PKCE challenge.
// Caller must persist verifier and provide the same value to Exchange.
func (a *Authorizer) AuthCodeURL(verifier string, opts ...oauth2.AuthCodeOption) string {
	allOpts := append(opts, oauth2.S256ChallengeOption(verifier))
	return a.config.AuthCodeURL(verifier, allOpts...)
}

// exchangeRequest is the JSON body of the authorization-code grant.
type exchangeRequest struct {
	Code         string `json:"code"`
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

// Exchange completes the flow by trading the authorization code for tokens.
// Verifier must be the same value passed to AuthCodeURL.
func (a *Authorizer) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.New("authorization code cannot be empty")
	}
	if verifier == "" {
		return nil, errors.New("verifier cannot be empty")
	}

	body, err := json.Marshal(exchangeRequest{
		Code:         code,
		GrantType:    "authorization_code",
		ClientID:     a.config.ClientID,
		RedirectURI:  a.config.RedirectURL,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	now := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange failed with status %d", resp.StatusCode)
	}

	var token oauth2.Token
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&token); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}

	// Convert ExpiresIn to Expiry (see oauth2.Token.ExpiresIn field documentation)
	if token.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	return &token, nil
}
