// Package proxy runs the local forwarding listener: requests arrive without
// credentials, are forwarded to the upstream API through a transport that
// attaches the access token and coordinates its renewal, and the upstream
// response streams back unchanged.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/jnickel/tokengate"
)

// MaxRequestBodyBytes caps forwarded request bodies; see RequestSizeLimit.
const MaxRequestBodyBytes = 32 << 20

const readHeaderTimeout = 10 * time.Second

// ReadinessChecker reports whether the application is ready to serve.
type ReadinessChecker interface {
	IsReady() bool
}

// Proxy forwards local requests to the upstream API.
type Proxy struct {
	server   *http.Server
	upstream *url.URL
}

// New creates a Proxy forwarding to upstream via transport. The transport is
// expected to be (or wrap) a tokengate.Interceptor; the proxy itself never
// touches credentials.
func New(upstream string, transport http.RoundTripper, checker ReadinessChecker, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q must be http or https", upstream)
	}

	forwarder := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			r.Out.Host = target.Host
		},
		Transport:    transport,
		ErrorHandler: forwardErrorHandler(logger),
	}

	mux := http.NewServeMux()
	mux.Handle("/livez", livenessHandler())
	mux.Handle("/readyz", readinessHandler(checker))
	mux.Handle("/", forwarder)

	p := &Proxy{upstream: target}
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return p, nil
}

// Handler exposes the full middleware-wrapped handler, for tests.
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler
}

// Use wraps the proxy's handler in the given middlewares. Must be called
// before Start. The first middleware is the outermost (executes first).
func (p *Proxy) Use(middlewares ...func(http.Handler) http.Handler) {
	p.server.Handler = applyMiddlewares(p.server.Handler, middlewares...)
}

// Start begins serving on addr. Runtime errors after a successful start are
// delivered on the returned channel.
func (p *Proxy) Start(ctx context.Context, addr string) (<-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	slog.InfoContext(ctx, "proxy listening", "addr", listener.Addr().String(), "upstream", p.upstream.String())

	errCh := make(chan error, 1)
	go func() {
		if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown gracefully stops the server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// forwardErrorHandler maps transport failures to responses for the local
// caller. A failed credential renewal is the caller's authentication
// problem (401); everything else is a gateway failure (502).
func forwardErrorHandler(logger *slog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, tokengate.ErrRenewalFailed) {
			status = http.StatusUnauthorized
		}

		logger.ErrorContext(r.Context(), "forwarding failed",
			"error", err, "method", r.Method, "path", r.URL.Path, "status", status)
		http.Error(w, http.StatusText(status), status)
	}
}
