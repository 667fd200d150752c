// Package tokensource implements a tokengate.CredentialProvider backed by
// the OAuth2 refresh-token grant against a JSON token endpoint.
//
// The Source keeps the short-lived access token in memory and the
// long-lived refresh token in a tokenstore.Store. Token hands out the
// cached access token while it is valid (with an early-expiry safety
// margin) and an empty credential otherwise; the interceptor's renewal
// coordination then drives Refresh exactly once per expiry, no matter how
// many requests observed it.
//
//	store, _ := tokenstore.NewKeyring("tokengate", "default")
//	source, _ := tokensource.New(tokensource.Config{
//		TokenURL: "https://auth.example.com/oauth/token",
//		ClientID: "my-client",
//	}, store)
//	interceptor, _ := tokengate.New(source)
//
// Refresh retries transient failures (network errors, 5xx) with exponential
// backoff inside a single renewal operation; an HTTP 4xx rejection is
// terminal for the cycle. A rotated refresh token in the endpoint response
// is persisted back to the store; read-only stores keep the rotation in
// memory for the life of the process.
//
// The Authorizer covers the initial interactive login: an authorization-code
// flow with PKCE whose resulting refresh token seeds the store.
package tokensource
