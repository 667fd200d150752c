package tokengate

import "errors"

// Sentinel errors for common failure scenarios.
var (
	// ErrRenewalFailed is returned to requests that queued behind a renewal
	// cycle which then failed before they were ever sent. Requests that
	// already failed with their own transport error propagate that error
	// instead; see Interceptor.
	ErrRenewalFailed = errors.New("tokengate: credential renewal failed")

	// ErrNilProvider is returned by New when no credential provider is given.
	ErrNilProvider = errors.New("tokengate: credential provider is required")
)
