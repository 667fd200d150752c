// Package tokengate transparently attaches a short-lived access credential
// to outgoing HTTP requests and coordinates credential renewal when a
// request fails because the credential expired.
//
// The Interceptor wraps a transport. Call sites keep using a plain
// http.Client; expiry detection, single-flight renewal and the one-shot
// retry all happen inside the transport:
//
//	interceptor, err := tokengate.New(provider)
//	if err != nil { ... }
//	client := &http.Client{Transport: interceptor}
//	resp, err := client.Get("https://api.example.com/v1/things")
//
// # Renewal coordination
//
// At most one renewal runs at a time, no matter how many requests fail
// concurrently. The first request that observes an expiry failure starts the
// renewal cycle; every other request, whether it failed independently or
// arrived while the cycle was in flight, waits for the same outcome. On
// success each waiting request proceeds with the fresh credential, and the
// triggering request is resent exactly once. On failure every participant
// fails: requests that were already sent propagate their own transport
// failure unchanged, requests that queued before sending fail with
// ErrRenewalFailed wrapping the renewal error.
//
// # Providers
//
// The credential itself is owned by a CredentialProvider. The provider
// decides what counts as an expiry failure (ShouldRefresh), performs the
// renewal (Refresh) and hands out the current credential (Token). Optional
// capabilities (custom header construction, request exclusion) are
// declared as additional interfaces on the provider and resolved once when
// the Interceptor is constructed.
//
// An empty credential is not an error: the request is forwarded without an
// Authorization header and the server decides whether to reject it.
//
// # Pipelines
//
// Hosts that compose transports explicitly can plug the interceptor into
// the chain instead of using it as the outermost RoundTripper:
//
//	transport := interceptor.Middleware()(retryTransport)
package tokengate
