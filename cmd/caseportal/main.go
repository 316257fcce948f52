// Package main is the entry point for the case portal server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseportal/internal/cases"
	"github.com/pitabwire/caseportal/internal/config"
	"github.com/pitabwire/caseportal/internal/database"
	"github.com/pitabwire/caseportal/internal/definition"
	"github.com/pitabwire/caseportal/internal/events"
	"github.com/pitabwire/caseportal/internal/observability"
	"github.com/pitabwire/caseportal/internal/openapi"
	"github.com/pitabwire/caseportal/internal/schema"
	"github.com/pitabwire/caseportal/internal/transport"
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

	// Step 3: Initialize telemetry (logger, tracer, metrics).
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseportal", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the API document.
	api, err := openapi.Load()
	if err != nil {
		logger.Error("OpenAPI document load failed", zap.Error(err))
		return 1
	}

	// Step 5: Persistence.
	stores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	idempotency, idempotencyCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Schema validator and definition deployment.
	validator, err := schema.NewValidator(
		schema.WithReferenceRoot(cfg.Definitions.ReferenceRoot),
		schema.WithCacheSize(cfg.Definitions.SchemaCacheSize),
		schema.WithCacheObserver(metrics),
	)
	if err != nil {
		logger.Error("schema validator initialization failed", zap.Error(err))
		return 1
	}

	registry := definition.NewRegistry(nil)
	deployer := definition.NewDeployer(
		cfg.Definitions.Directories,
		definition.NewLoader(),
		definition.NewValidator(cfg.Definitions.ReferenceRoot),
		registry,
		validator,
		logger,
		definition.WithStore(stores.definitions),
		definition.WithDeployObserver(metrics),
	)
	if len(cfg.Definitions.Directories) > 0 {
		result, err := deployer.Deploy(ctx)
		if err != nil {
			logger.Error("case definition deployment failed", zap.Error(err))
			return 1
		}
		logger.Info("case definitions deployed",
			zap.Strings("deployed", result.Deployed),
			zap.Int("total", result.Total),
		)
	} else {
		n, err := deployer.Restore(ctx)
		if err != nil {
			logger.Error("case definition restore failed", zap.Error(err))
			return 1
		}
		metrics.SetDefinitionsLoaded(float64(n))
		logger.Info("case definitions restored from store", zap.Int("total", n))
	}

	// Step 7: Events.
	publisher, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	observed := events.NewObservedPublisher(publisher, metrics)

	// Step 8: Case service.
	var svcOpts []cases.ServiceOption
	svcOpts = append(svcOpts,
		cases.WithObserver(metrics),
		cases.WithLogger(logger),
		cases.WithSubmissionRedactor(func(body map[string]any) map[string]any {
			return observability.RedactBody(body, cfg.Observability.SensitiveFields)
		}),
	)
	if idempotency != nil {
		svcOpts = append(svcOpts, cases.WithIdempotencyStore(idempotency, cfg.Idempotency.Store.DefaultTTL))
	}
	service := cases.NewService(
		stores.cases,
		registry,
		cases.NewAggregate(validator),
		observed,
		svcOpts...,
	)

	// Step 9: Build HTTP router.
	keys := transport.NewKeySet(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL,
		transport.WithKeySetLogger(logger))
	authenticator := transport.NewAuthenticator(cfg.Identity, keys, logger)

	readiness := observability.NewReadiness(registry).
		Add("case_store", stores.cases).
		Add("definition_store", stores.definitions).
		Add("idempotency_store", idempotency).
		Add("event_broker", publisher)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: authenticator.Middleware,
		Cases:        service,
		Definitions:  registry,
		API:          api,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if len(cfg.Definitions.Directories) > 0 {
		go deployer.Run(bgCtx, cfg.Definitions.ReloadInterval)
	}

	var consumer *events.StatusConsumer
	if cfg.Events.Driver == "kafka" && cfg.Events.StatusCommandsTopic != "" {
		consumer, err = events.NewStatusConsumer(
			cfg.Events.Brokers,
			cfg.Events.ConsumerGroup,
			cfg.Events.StatusCommandsTopic,
			service,
			logger,
		)
		if err != nil {
			logger.Error("status consumer initialization failed", zap.Error(err))
			return 1
		}
		go func() {
			if err := consumer.Run(bgCtx); err != nil {
				logger.Error("status consumer stopped", zap.Error(err))
			}
		}()
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("store", cfg.Store.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
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

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()
	if consumer != nil {
		consumer.Close()
	}

	if err := observed.Close(); err != nil {
		logger.Error("event publisher close error", zap.Error(err))
	}
	if idempotencyCloser != nil {
		idempotencyCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// storeSet holds the case and definition stores and releases their
// connections.
type storeSet struct {
	cases       cases.CaseStore
	definitions definition.DefinitionStore
	close       func()
}

// buildStores creates the case and definition stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storeSet, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory case and definition stores")
		return storeSet{
			cases:       cases.NewMemoryCaseStore(),
			definitions: definition.NewMemoryDefinitionStore(),
			close:       func() {},
		}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return storeSet{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		if cfg.Migrate {
			if err := database.Migrate(ctx, dsn); err != nil {
				return storeSet{}, fmt.Errorf("store: %w", err)
			}
			logger.Info("database migrations applied")
		}
		pool, err := database.Connect(ctx, dsn, database.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return storeSet{}, fmt.Errorf("store: %w", err)
		}
		return storeSet{
			cases:       cases.NewPgCaseStore(pool),
			definitions: definition.NewPgDefinitionStore(pool),
			close:       pool.Close,
		}, nil
	default:
		return storeSet{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the createCase idempotency store based on
// config. Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (cases.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return cases.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return cases.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildPublisher creates the case event publisher based on config.
func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.Driver {
	case "log", "":
		return events.NewLogPublisher(logger), nil
	case "memory":
		return events.NewMemoryPublisher(), nil
	case "kafka":
		p, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		logger.Info("publishing case events to kafka",
			zap.Strings("brokers", cfg.Brokers),
			zap.String("topic", cfg.Topic),
		)
		if b := cfg.Breaker; b.FailureThreshold > 0 {
			return events.NewBreakerPublisher(p, b.FailureThreshold, b.SuccessThreshold, b.Cooldown), nil
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}
