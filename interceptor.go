package tokengate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jnickel/tokengate/internal/renewal"
)

// discardBodyLimit caps how much of a discarded response body is read before
// closing, enough to let the transport reuse the connection.
const discardBodyLimit = 64 << 10

// RoundTripper is the transport interface consumed and produced by the
// Interceptor. It matches net/http.RoundTripper.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to the RoundTripper interface.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Interceptor attaches the provider's credential to outgoing requests and
// coordinates single-flight renewal when a request fails because the
// credential expired. It implements http.RoundTripper and is safe for
// concurrent use.
type Interceptor struct {
	provider CredentialProvider
	base     http.RoundTripper
	coord    *renewal.Coordinator
	headers  func(credential string) http.Header
	skip     func(*http.Request) bool
	logger   *slog.Logger
}

// New constructs an Interceptor around the given provider. Optional provider
// capabilities (HeaderBuilder, RequestSkipper and the deprecated verifier
// forms) are resolved here, once; options override or extend them.
func New(provider CredentialProvider, opts ...Option) (*Interceptor, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}

	caps := resolveCapabilities(provider)
	i := &Interceptor{
		provider: provider,
		base:     http.DefaultTransport,
		headers:  caps.headers,
		skip:     caps.skip,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.coord = renewal.New(i.logger)

	return i, nil
}

// RoundTrip implements http.RoundTripper over the configured base transport.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	return i.Intercept(req, i.base)
}

// Middleware returns the interceptor as a transport decorator, pluggable
// into chain-of-responsibility pipelines that compose RoundTrippers.
func (i *Interceptor) Middleware() func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return i.Intercept(req, next)
		})
	}
}

// Intercept routes req through the credential pipeline and delegates the
// actual send to next.
//
// Skipped requests pass through untouched, with no credential fetch. All
// other requests first join any in-flight renewal cycle, then send with the
// current credential attached. A failure the provider identifies as
// credential expiry starts (or joins) a renewal cycle; on a successful
// renewal the request is resent exactly once, and its result is returned
// as-is; a second expiry failure is surfaced, never renewed again within
// the same cycle. When the renewal itself fails, the original failure is
// propagated unchanged.
func (i *Interceptor) Intercept(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	if i.skip(req) {
		return next.RoundTrip(req)
	}

	ctx := req.Context()

	// Never attach a credential while a renewal is settling; the one being
	// handed out is the one currently being invalidated.
	out, joined, err := i.coord.Join(ctx)
	if err != nil {
		return nil, err
	}
	if joined && !out.OK {
		return nil, fmt.Errorf("%w: %w", ErrRenewalFailed, out.Err)
	}

	resp, sendErr := i.send(ctx, req, next)
	if !i.provider.ShouldRefresh(resp, sendErr) {
		return resp, sendErr
	}

	out, err = i.coord.Renew(ctx, i.provider.Refresh)
	if err != nil {
		discardBody(resp)
		return nil, err
	}
	if !out.OK {
		// The renewal error was already delivered to the coordinator's log;
		// the caller gets its own original failure.
		return resp, sendErr
	}

	retry, ok := replayable(req)
	if !ok {
		i.logger.Debug("request body not replayable, skipping retry",
			"method", req.Method, "url", req.URL.String())
		return resp, sendErr
	}

	discardBody(resp)
	return i.send(ctx, retry, next)
}

// send fetches the current credential, attaches it and delegates to next.
func (i *Interceptor) send(ctx context.Context, req *http.Request, next http.RoundTripper) (*http.Response, error) {
	credential, err := i.provider.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching credential: %w", err)
	}
	return next.RoundTrip(attach(req, credential, i.headers))
}

// replayable returns a request safe to resend. Bodyless requests are reused
// directly; requests with a body need GetBody to produce a fresh reader.
func replayable(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, true
}

// discardBody drains and closes the body of a response that will not be
// returned to the caller, so the underlying connection can be reused.
func discardBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, discardBodyLimit))
	_ = resp.Body.Close()
}
