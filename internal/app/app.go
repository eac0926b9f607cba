package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/internal/handler"
	"github.com/xenking/keygate/internal/storage/hashfilter"
	"github.com/xenking/keygate/internal/storage/memory"
	"github.com/xenking/keygate/internal/storage/postgres"
	"github.com/xenking/keygate/pkg/health"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

// store is the selected key store backend.
type store interface {
	keys.Repository
	hashfilter.HashSource
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))

	var backend store
	switch cfg.Storage {
	case StorageMemory:
		backend = memory.NewKeyRepository()
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
		backend = postgres.NewKeyRepository(pool)
	}

	hasher := keys.NewHasher([]byte(cfg.KeyPepper))
	if err := bootstrap(ctx, lg, backend, hasher, cfg); err != nil {
		return errors.Wrap(err, "bootstrap root key")
	}

	var repo keys.Repository = backend
	if cfg.HashFilter.Enabled {
		filtered := hashfilter.New(backend, cfg.HashFilter.Capacity, cfg.HashFilter.FPR)
		n, err := filtered.Warm(ctx, backend)
		if err != nil {
			return errors.Wrap(err, "warm hash filter")
		}
		lg.Info("Hash filter warmed", zap.Int("keys", n))
		repo = filtered
	}

	verifier, err := keys.NewVerifier(repo, hasher,
		keys.WithMeterProvider(m.MeterProvider()),
		keys.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create verifier")
	}
	manager, err := keys.NewManager(repo, hasher, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create manager")
	}

	h, err := handler.NewHandler(handler.Config{RootAPIID: cfg.RootAPIID}, verifier, manager)
	if err != nil {
		return errors.Wrap(err, "create handler")
	}

	router := h.Router(httpmiddleware.LogRequests())
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           serverHandler(ctx, router, m, cfg),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// serverHandler wraps router in the server middleware chain. The logger and
// request id come first so rate-limited and recovered responses carry
// Keygate-Request-Id too.
func serverHandler(ctx context.Context, router http.Handler, tel httpmiddleware.Telemetry, cfg *Config) http.Handler {
	return httpmiddleware.Wrap(router,
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.Instrument("keygate", tel),
	)
}

// bootstrap provisions the root API and root key when a root key secret is
// configured and the root API does not exist yet.
func bootstrap(ctx context.Context, lg *zap.Logger, repo keys.Repository, hasher *keys.Hasher, cfg *Config) error {
	_, err := repo.FindKeyAuthByAPIID(ctx, cfg.RootAPIID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, keys.ErrNotFound):
		return errors.Wrap(err, "find root api")
	}
	if cfg.Bootstrap.RootKey == "" {
		lg.Warn("Root API does not exist and no root key is configured; management endpoints are unreachable",
			zap.String("root_api_id", cfg.RootAPIID),
		)
		return nil
	}

	now := time.Now()
	auth := &keys.KeyAuth{
		ID:          "ks_" + uuid.NewString(),
		APIID:       cfg.RootAPIID,
		WorkspaceID: cfg.Bootstrap.Workspace,
		Name:        "root",
		CreatedAt:   now,
	}
	if err := repo.InsertKeyAuth(ctx, auth); err != nil {
		return errors.Wrap(err, "insert root api")
	}

	secret := cfg.Bootstrap.RootKey
	start := secret
	if len(start) > 4 {
		start = start[:4]
	}
	key := &keys.Key{
		ID:             "key_" + uuid.NewString(),
		Hash:           hasher.Digest(secret),
		Start:          start,
		KeyAuthID:      auth.ID,
		WorkspaceID:    auth.WorkspaceID,
		ForWorkspaceID: cfg.Bootstrap.Workspace,
		Name:           "root",
		Enabled:        true,
		CreatedAt:      now,
	}
	if err := repo.Insert(ctx, key); err != nil {
		return errors.Wrap(err, "insert root key")
	}
	lg.Info("Bootstrapped root key",
		zap.String("root_api_id", cfg.RootAPIID),
		zap.String("key_id", key.ID),
		zap.String("workspace_id", cfg.Bootstrap.Workspace),
	)
	return nil
}
