package tokengate

import (
	"context"
	"net/http"
)

// CredentialProvider supplies the access credential attached to outgoing
// requests and performs the renewal operation when it expires.
//
// Refresh is invoked at most once per renewal cycle; the provider does not
// need to guard against concurrent invocations from the same Interceptor.
// Providers that perform their own HTTP calls to renew must not route them
// through the Interceptor (use a dedicated http.Client, or implement
// RefreshRequestVerifier so the renewal traffic bypasses interception).
type CredentialProvider interface {
	// Token returns the current credential. An empty credential is not an
	// error: the request proceeds without an Authorization header and the
	// server is expected to reject it if one was required.
	Token(ctx context.Context) (string, error)

	// Refresh exchanges the expired credential for a fresh one.
	Refresh(ctx context.Context) error

	// ShouldRefresh reports whether the given transport outcome indicates an
	// expired credential. Exactly one of resp and err is meaningful: resp is
	// non-nil when the server answered, err when the transport failed.
	ShouldRefresh(resp *http.Response, err error) bool
}

// HeaderBuilder is an optional CredentialProvider capability that replaces
// the default "Authorization: Bearer <credential>" header set.
type HeaderBuilder interface {
	Headers(credential string) http.Header
}

// RequestSkipper is an optional CredentialProvider capability that excludes
// requests from interception entirely.
type RequestSkipper interface {
	SkipRequest(*http.Request) bool
}

// RefreshRequestVerifier is an optional CredentialProvider capability that
// identifies requests belonging to the renewal flow itself, so they bypass
// interception instead of recursing through it.
//
// Deprecated: implement RequestSkipper; it receives the same request and
// subsumes this capability. Retained for providers written against the old
// two-predicate contract.
type RefreshRequestVerifier interface {
	VerifyRefreshRequest(*http.Request) bool
}

// TokenURLVerifier is an optional CredentialProvider capability that
// identifies renewal-flow requests by URL alone.
//
// Deprecated: implement RequestSkipper. The URL-only form exists for
// providers that predate access to the full request.
type TokenURLVerifier interface {
	VerifyTokenURL(url string) bool
}

// capabilities holds the optional provider behaviors, resolved once at
// construction. All legacy skip predicates are collapsed into the single
// skip func here; nothing downstream ever re-detects capabilities.
type capabilities struct {
	headers func(credential string) http.Header
	skip    func(*http.Request) bool
}

// resolveCapabilities inspects the provider for optional capability
// interfaces and flattens them into plain funcs.
func resolveCapabilities(p CredentialProvider) capabilities {
	caps := capabilities{
		headers: bearerHeaders,
		skip:    func(*http.Request) bool { return false },
	}

	if hb, ok := p.(HeaderBuilder); ok {
		caps.headers = hb.Headers
	}

	var predicates []func(*http.Request) bool
	if rs, ok := p.(RequestSkipper); ok {
		predicates = append(predicates, rs.SkipRequest)
	}
	if rv, ok := p.(RefreshRequestVerifier); ok {
		predicates = append(predicates, rv.VerifyRefreshRequest)
	}
	if tv, ok := p.(TokenURLVerifier); ok {
		predicates = append(predicates, func(req *http.Request) bool {
			return tv.VerifyTokenURL(req.URL.String())
		})
	}
	if len(predicates) > 0 {
		caps.skip = anyOf(predicates)
	}

	return caps
}

// anyOf ORs skip predicates into one.
func anyOf(predicates []func(*http.Request) bool) func(*http.Request) bool {
	return func(req *http.Request) bool {
		for _, p := range predicates {
			if p(req) {
				return true
			}
		}
		return false
	}
}
