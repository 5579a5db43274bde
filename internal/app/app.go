// Package app wires all VerseCast server subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMinter). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/versecast/versecast/internal/api"
	"github.com/versecast/versecast/internal/config"
	"github.com/versecast/versecast/internal/health"
	"github.com/versecast/versecast/internal/hub"
	"github.com/versecast/versecast/internal/observe"
	"github.com/versecast/versecast/internal/store"
	"github.com/versecast/versecast/internal/store/postgres"
	"github.com/versecast/versecast/internal/token"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes for the VerseCast server.
type App struct {
	cfg *config.Config

	st     store.Store
	hub    *hub.Hub
	minter *token.Minter
	srv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.st = s }
}

// WithMinter injects a credential minter instead of creating one from config.
func WithMinter(m *token.Minter) Option {
	return func(a *App) { a.minter = m }
}

// New creates an App by wiring all subsystems together: the session store
// (Postgres when a DSN is configured, in-memory otherwise), the fan-out hub,
// the credential minter and the HTTP surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initMinter(); err != nil {
		return nil, fmt.Errorf("app: init minter: %w", err)
	}

	a.hub = hub.New(a.st)
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStore connects the configured store backend.
func (a *App) initStore(ctx context.Context) error {
	if a.st != nil {
		return nil
	}
	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.st = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		slog.Info("session store connected", "backend", "postgres")
		return nil
	}
	a.st = store.NewMemStore()
	slog.Info("session store connected", "backend", "memory")
	return nil
}

// initMinter builds the ephemeral credential minter from the realtime
// provider entry. A missing provider leaves the token endpoint unregistered,
// which is valid for hub-only deployments.
func (a *App) initMinter() error {
	if a.minter != nil || a.cfg.Providers.Realtime.Name == "" {
		return nil
	}
	entry := a.cfg.Providers.Realtime
	var mopts []token.MinterOption
	if entry.Model != "" {
		mopts = append(mopts, token.WithMintModel(entry.Model))
	}
	if entry.BaseURL != "" {
		mopts = append(mopts, token.WithSessionsURL(entry.BaseURL))
	}
	m, err := token.NewMinter(entry.APIKey, mopts...)
	if err != nil {
		return err
	}
	a.minter = m
	return nil
}

// buildMux assembles the HTTP surface: session API, hub websocket, token
// mint, metrics and health probes, all behind the observability middleware.
func (a *App) buildMux() http.Handler {
	mux := http.NewServeMux()

	api.New(a.st).Register(mux)
	mux.Handle("GET /ws", hub.NewServer(a.hub, a.st).Handler())
	if a.minter != nil {
		mux.Handle("POST /v1/realtime/token", a.minter.Handler())
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	storeCheck := health.Checker{Name: "store", Check: a.checkStore}
	if p, ok := a.st.(health.Pinger); ok {
		storeCheck = health.PingChecker("store", p)
	}
	health.New(storeCheck).Register(mux)

	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// checkStore probes the store with a lookup for a code that cannot exist; any
// answer other than a transport failure means the backend is reachable.
func (a *App) checkStore(ctx context.Context) error {
	_, err := a.st.Get(ctx, "READYZ")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Store returns the wired session store.
func (a *App) Store() store.Store { return a.st }

// Hub returns the wired fan-out hub.
func (a *App) Hub() *hub.Hub { return a.hub }

// Run serves HTTP until ctx is cancelled or the server fails. On
// cancellation the server is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.srv.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.srv.Shutdown(drainCtx)
	})

	return g.Wait()
}

// Shutdown releases all resources acquired in New. Safe to call repeatedly.
func (a *App) Shutdown(_ context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, closer := range a.closers {
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
