package tokengate

import (
	"log/slog"
	"net/http"
)

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithBase sets the transport used by RoundTrip. Defaults to
// http.DefaultTransport. Pipelines that compose the interceptor via
// Middleware supply their own next transport and ignore this.
func WithBase(rt http.RoundTripper) Option {
	return func(i *Interceptor) {
		if rt != nil {
			i.base = rt
		}
	}
}

// WithLogger sets the logger for renewal-cycle and retry events.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithHeaderFunc replaces the header builder, overriding both the default
// bearer header and any HeaderBuilder capability the provider declares.
func WithHeaderFunc(build func(credential string) http.Header) Option {
	return func(i *Interceptor) {
		if build != nil {
			i.headers = build
		}
	}
}

// WithSkipFunc adds a host-defined exclusion rule. The request bypasses
// interception when this predicate or any predicate declared by the
// provider reports true.
func WithSkipFunc(skip func(*http.Request) bool) Option {
	return func(i *Interceptor) {
		if skip == nil {
			return
		}
		prev := i.skip
		i.skip = func(req *http.Request) bool {
			return prev(req) || skip(req)
		}
	}
}

// WithSkipURLFunc adds a URL-only exclusion rule.
//
// Deprecated: use WithSkipFunc; it receives the full request.
func WithSkipURLFunc(skip func(url string) bool) Option {
	return func(i *Interceptor) {
		if skip == nil {
			return
		}
		prev := i.skip
		i.skip = func(req *http.Request) bool {
			return prev(req) || skip(req.URL.String())
		}
	}
}
