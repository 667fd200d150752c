// Package app assembles the tokengate proxy: configuration, credential
// source, the intercepting transport and the local listener, plus the
// lifecycle that ties them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnickel/tokengate"
	"github.com/jnickel/tokengate/internal/observability/middleware"
	"github.com/jnickel/tokengate/internal/proxy"
)

const shutdownTimeout = 5 * time.Second

// App orchestrates the lifecycle of the proxy server and related services.
type App struct {
	cfg    *Config
	proxy  *proxy.Proxy
	health *Health
}

// New wires the application from configuration: token store → credential
// source → interceptor → forwarding proxy.
func New(cfg *Config) (*App, error) {
	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("creating token store: %w", err)
	}

	source, err := cfg.Auth.NewSource(store)
	if err != nil {
		return nil, fmt.Errorf("creating credential source: %w", err)
	}

	interceptor, err := tokengate.New(source)
	if err != nil {
		return nil, fmt.Errorf("creating interceptor: %w", err)
	}

	health := NewHealth()
	proxyServer, err := proxy.New(cfg.Upstream, interceptor, health, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("creating proxy: %w", err)
	}
	proxyServer.Use(
		proxy.Recovery(slog.Default()),
		middleware.RequestID,
		middleware.TraceContext,
		middleware.Logging(slog.Default()),
		proxy.RequestSizeLimit(proxy.MaxRequestBodyBytes),
	)

	return &App{
		cfg:    cfg,
		proxy:  proxyServer,
		health: health,
	}, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function
// collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting proxy server", "upstream", a.cfg.Upstream)
	proxyErrCh, err := a.proxy.Start(gCtx, a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	a.health.SetReady(true)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()

	a.health.SetReady(false)
	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
