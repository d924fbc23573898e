package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fiberlabs/metagraph-indexer/internal/alert"
	"github.com/fiberlabs/metagraph-indexer/internal/chain"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/dl1"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/gl0"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/ml0"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/ratelimit"
	"github.com/fiberlabs/metagraph-indexer/internal/circuitbreaker"
	"github.com/fiberlabs/metagraph-indexer/internal/config"
	"github.com/fiberlabs/metagraph-indexer/internal/confirm"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/fallback"
	"github.com/fiberlabs/metagraph-indexer/internal/ingest"
	"github.com/fiberlabs/metagraph-indexer/internal/seqcache"
	"github.com/fiberlabs/metagraph-indexer/internal/sequencer"
	"github.com/fiberlabs/metagraph-indexer/internal/server"
	"github.com/fiberlabs/metagraph-indexer/internal/store/postgres"
	redispkg "github.com/fiberlabs/metagraph-indexer/internal/store/redis"
	"github.com/fiberlabs/metagraph-indexer/internal/tracing"
)

const (
	defaultMigrationsDir    = "migrations"
	defaultSeqCacheCapacity = 4096
	shutdownGrace           = 5 * time.Second
)

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting metagraph-indexer",
		"metagraph_id", cfg.Node.MetagraphID,
		"ml0_url", cfg.Node.ML0URL,
		"gl0_url", cfg.Node.GL0URL,
		"dl1_url", cfg.Node.DL1URL,
		"confirm_interval", cfg.Confirm.Interval,
		"strict_hash", cfg.Confirm.StrictHash,
		"fallback_interval", cfg.Fallback.Interval,
		"queue_backend", queueBackendName(cfg.Redis.URL),
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.OTLPEndpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "metagraph-indexer", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = defaultMigrationsDir
	}
	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", migrationsDir)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// The confirmation state machine assumes a single writer; refuse to start
	// alongside another instance instead of corrupting the ordinal gate.
	lock, acquired, err := postgres.AcquireLeaderLock(context.Background(), db)
	if err != nil {
		logger.Error("failed to acquire leader lock", "error", err)
		os.Exit(1)
	}
	if !acquired {
		logger.Error("another indexer instance holds the leader lock, exiting")
		os.Exit(1)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("leader lock release error", "error", err)
		}
	}()
	logger.Info("leader lock acquired")

	var queue redispkg.MessageTransport
	if cfg.Redis.URL != "" {
		queue, err = redispkg.NewStream(cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
	} else {
		logger.Warn("REDIS_URL not set, using in-process workorder queue")
		queue = redispkg.NewInMemoryStream()
	}
	defer queue.Close()

	snapshotRepo := postgres.NewSnapshotRepo(db)
	fiberRepo := postgres.NewFiberRepo(db)
	transitionRepo := postgres.NewTransitionRepo(db)

	ml0Client := ml0.NewClient(cfg.Node.ML0URL, logger,
		ml0.WithTimeout(cfg.Node.RequestTimeout),
		ml0.WithRateLimiter(ratelimit.NewLimiter(cfg.Node.RateLimitRPS, cfg.Node.RateLimitBurst, string(chain.LayerML0))),
		ml0.WithBreaker(circuitbreaker.New(circuitbreaker.Config{})),
	)
	gl0Client := gl0.NewClient(cfg.Node.GL0URL, logger,
		gl0.WithTimeout(cfg.Node.RequestTimeout),
		gl0.WithRateLimiter(ratelimit.NewLimiter(cfg.Node.RateLimitRPS, cfg.Node.RateLimitBurst, string(chain.LayerGL0))),
		gl0.WithBreaker(circuitbreaker.New(circuitbreaker.Config{})),
	)
	dl1Client := dl1.NewClient(cfg.Node.DL1URL, logger,
		dl1.WithTimeout(cfg.Node.RequestTimeout),
		dl1.WithRateLimiter(ratelimit.NewLimiter(cfg.Node.RateLimitRPS, cfg.Node.RateLimitBurst, string(chain.LayerDL1))),
		dl1.WithBreaker(circuitbreaker.New(circuitbreaker.Config{})),
	)

	registry, err := ingest.NewSchemaRegistry()
	if err != nil {
		logger.Error("failed to build schema registry", "error", err)
		os.Exit(1)
	}
	extraKinds, err := config.LoadSchemaKinds(cfg.Schema.File)
	if err != nil {
		logger.Error("failed to load schema overlay", "error", err)
		os.Exit(1)
	}
	for _, k := range extraKinds {
		if err := registry.Register(model.FiberKind(k.Kind), k.Schema); err != nil {
			logger.Error("failed to register fiber kind", "error", err, "kind", k.Kind)
			os.Exit(1)
		}
		logger.Info("registered fiber kind from overlay", "kind", k.Kind)
	}

	alerter := buildAlerter(cfg, logger)

	ingestService := ingest.NewService(snapshotRepo, queue, logger)
	ingestWorker := ingest.NewWorker(
		db, snapshotRepo, fiberRepo, transitionRepo,
		ml0Client, queue, registry, logger,
		ingest.WithRetryConfig(cfg.Ingest.MaxAttempts, cfg.Ingest.RetryDelayMin, cfg.Ingest.RetryDelayMax),
	)

	confirmPoller := confirm.New(
		cfg.Node.MetagraphID,
		gl0Client, snapshotRepo, fiberRepo, transitionRepo,
		alerter, logger,
		confirm.WithInterval(cfg.Confirm.Interval),
		confirm.WithTickTimeout(cfg.Confirm.TickTimeout),
		confirm.WithStrictHash(cfg.Confirm.StrictHash),
	)

	fallbackPoller := fallback.New(ml0Client, ingestService, logger,
		fallback.WithInterval(cfg.Fallback.Interval),
	)

	seq := sequencer.New(dl1Client, seqcache.New(defaultSeqCacheCapacity), logger)

	apiOpts := []server.ServerOption{
		server.WithFiberViews(fiberRepo, transitionRepo),
		server.WithSequencer(seq),
		server.WithFallbackStatus(fallbackPoller),
	}
	if depther, ok := queue.(server.QueueDepther); ok {
		apiOpts = append(apiOpts, server.WithQueueDepth(depther))
	}
	apiServer := server.NewServer(ingestService, snapshotRepo, logger, apiOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.APIPort, apiServer.Handler(), "api", logger)
	})
	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.OpsPort, opsHandler(), "ops", logger)
	})
	g.Go(func() error {
		return ingestWorker.Run(gCtx)
	})
	g.Go(func() error {
		return confirmPoller.Run(gCtx)
	})
	g.Go(func() error {
		return fallbackPoller.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("indexer shut down gracefully")
}

func queueBackendName(redisURL string) string {
	if redisURL == "" {
		return "memory"
	}
	return "redis"
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(alerters) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)
}

func opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, name string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("http server started", "server", name, "port", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
