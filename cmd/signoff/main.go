// Package main is the entry point for the signoff approval service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/audit"
	"github.com/pitabwire/signoff/internal/catalog"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/directory"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/notify"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/transport"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "signoff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	var shutdown closers
	defer shutdown.close()

	// Step 4: Load and validate the stage catalog.
	registry, err := buildCatalog(cfg.Catalog, logger)
	if err != nil {
		logger.Error("catalog loading failed", zap.Error(err))
		return 1
	}
	if metrics != nil {
		metrics.SetCatalogModulesLoaded(registry.Len())
	}

	readiness := observability.ReadinessChecks{
		CatalogLoaded: func() bool { return registry.Len() > 0 },
		Dependencies:  map[string]observability.HealthChecker{},
	}

	// Step 5: Connect shared infrastructure.
	var pool *pgxpool.Pool
	if cfg.Store.Driver == config.DriverPostgres {
		pool, err = connectPostgres(ctx, cfg.Store)
		if err != nil {
			logger.Error("postgres connection failed", zap.Error(err))
			return 1
		}
		shutdown.add(pool.Close)
		readiness.Dependencies["postgres"] = observability.CheckFunc(pool.Ping)
	}

	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = connectRedis(ctx, cfg)
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return 1
		}
		shutdown.add(func() { redisClient.Close() })
		readiness.Dependencies["redis"] = observability.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// Step 6: Build collaborators.
	store, err := buildWorkflowStore(ctx, cfg.Store, pool, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}

	dir, err := buildDirectory(ctx, cfg, pool, redisClient, metrics, logger)
	if err != nil {
		logger.Error("user directory initialization failed", zap.Error(err))
		return 1
	}

	notifier, err := buildNotifier(cfg.Notifier, logger, &shutdown)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	auditor, err := buildAuditor(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("auditor initialization failed", zap.Error(err))
		return 1
	}

	idemStore := buildIdempotencyStore(cfg.Idempotency, redisClient, logger)

	// Step 7: Build the engine.
	var engineMetrics workflow.Metrics
	if metrics != nil {
		engineMetrics = metrics
	}
	gateOpts := []workflow.GateOption{
		workflow.WithDirectoryFallback(cfg.Authorization.DirectoryFallback),
		workflow.WithGateLogger(logger.Named("gate")),
	}
	dispatchOpts := []workflow.DispatcherOption{
		workflow.WithDispatchLogger(logger.Named("effects")),
		workflow.WithEffectTimeout(cfg.Observability.EffectTimeout),
	}
	engineOpts := []workflow.Option{
		workflow.WithLogger(logger.Named("engine")),
		workflow.WithAdminRole(cfg.Authorization.AdminRole),
	}
	if engineMetrics != nil {
		gateOpts = append(gateOpts, workflow.WithGateMetrics(engineMetrics))
		dispatchOpts = append(dispatchOpts, workflow.WithDispatchMetrics(engineMetrics))
		engineOpts = append(engineOpts, workflow.WithMetrics(engineMetrics))
	}

	engine := workflow.NewEngine(
		registry,
		store,
		workflow.NewGate(dir, gateOpts...),
		workflow.NewDispatcher(dir, notifier, auditor, dispatchOpts...),
		engineOpts...,
	)

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))

	deps := transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Engine:       engine,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Idempotency:  idemStore,
		Readiness:    readiness,
	}
	if metrics != nil {
		deps.Metrics = metrics
		deps.MetricsHandler = observability.Handler()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("modules", registry.Len()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("directory_fallback", cfg.Authorization.DirectoryFallback),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCatalog loads the configured catalog directories, or the built-in
// catalog when none are configured, and validates it.
func buildCatalog(cfg config.CatalogConfig, logger *zap.Logger) (*catalog.Registry, error) {
	defs := catalog.Defaults()
	if len(cfg.Directories) > 0 {
		loaded, err := catalog.LoadAll(cfg.Directories)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}

	if verrs := catalog.Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("catalog validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("catalog has %d validation errors", len(verrs))
	}

	logger.Info("catalog loaded",
		zap.Int("modules", len(defs)),
		zap.Bool("built_in", len(cfg.Directories) == 0),
	)
	return catalog.NewRegistry(defs), nil
}

func connectPostgres(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Directory.Cache.Driver == config.DriverRedis ||
		(cfg.Idempotency.Enabled && cfg.Idempotency.Driver == config.DriverRedis)
}

// connectRedis opens the client shared by the directory cache and the
// idempotency store. The address comes from whichever section asked for redis.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	addrEnv, db := cfg.Idempotency.AddrEnv, cfg.Idempotency.DB
	if cfg.Directory.Cache.Driver == config.DriverRedis {
		addrEnv, db = cfg.Directory.Cache.AddrEnv, cfg.Directory.Cache.DB
	}
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}

func buildWorkflowStore(ctx context.Context, cfg config.StoreConfig, pool *pgxpool.Pool, logger *zap.Logger) (workflow.WorkflowStore, error) {
	if cfg.Driver != config.DriverPostgres {
		logger.Warn("using in-memory workflow store; workflows are lost on restart")
		return workflow.NewMemoryWorkflowStore(), nil
	}

	store := workflow.NewPgWorkflowStore(pool)
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func buildDirectory(
	ctx context.Context,
	cfg *config.Config,
	pool *pgxpool.Pool,
	redisClient *redis.Client,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (model.UserDirectory, error) {
	var source model.UserDirectory
	switch cfg.Directory.Driver {
	case config.DriverPostgres:
		pg := directory.NewPgDirectory(pool)
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		source = pg
	default:
		static, err := directory.NewStaticDirectory(cfg.Directory.File)
		if err != nil {
			return nil, err
		}
		logger.Info("static user directory loaded",
			zap.String("file", cfg.Directory.File),
			zap.Int("users", static.Len()),
		)
		source = static
	}

	if cfg.Directory.Cache.TTL <= 0 {
		return source, nil
	}

	var cache directory.Cache = directory.NewMemoryCache()
	if cfg.Directory.Cache.Driver == config.DriverRedis {
		cache = directory.NewRedisCache(redisClient, "signoff:directory:")
	}
	opts := []directory.CacheOption{directory.WithCacheLogger(logger.Named("directory"))}
	if metrics != nil {
		opts = append(opts, directory.WithCacheMetrics(metrics))
	}
	return directory.NewCachedDirectory(source, cache, cfg.Directory.Cache.TTL, opts...), nil
}

func buildNotifier(cfg config.NotifierConfig, logger *zap.Logger, shutdown *closers) (model.Notifier, error) {
	if cfg.Driver != config.DriverNATS {
		return notify.NewLogNotifier(logger.Named("notify")), nil
	}

	url := cfg.NATSURL
	if v := os.Getenv(cfg.NATSURLEnv); v != "" {
		url = v
	}
	if url == "" {
		return nil, fmt.Errorf("notifier.nats_url or %s is required for the nats driver", cfg.NATSURLEnv)
	}
	conn, err := notify.Connect(url, logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	shutdown.add(func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("nats drain failed", zap.Error(err))
		}
	})
	return notify.NewNATSNotifier(conn, cfg.SubjectPrefix), nil
}

func buildAuditor(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (model.Auditor, error) {
	if cfg.Audit.Driver != config.DriverPostgres {
		return audit.NewLogAuditor(logger.Named("audit")), nil
	}
	pg := audit.NewPgAuditor(pool)
	if cfg.Store.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return pg, nil
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, redisClient *redis.Client, logger *zap.Logger) idempotency.Store {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Driver == config.DriverRedis {
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(redisClient)
	}
	logger.Info("using in-memory idempotency store")
	return idempotency.NewMemoryStore()
}
