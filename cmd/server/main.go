// Command server starts the birdnest HTTP API and, when configured, the
// in-process detection workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"birdnest/internal/api"
	"birdnest/internal/catalog"
	"birdnest/internal/config"
	"birdnest/internal/detection"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/logging"
	"birdnest/internal/observability/metrics"
	"birdnest/internal/server"
	"birdnest/internal/serverutil"
	"birdnest/internal/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.Log.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting birdnest api",
		"addr", cfg.HTTP.Addr,
		"mode", cfg.Mode,
		"store", a.storeDriver,
		"detection", a.detectionDriver,
		"tls", cfg.HTTP.TLSCert != "")

	err = serverutil.Run(ctx, serverutil.Config{
		Server:          a.server.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.HTTP.TLSCert, KeyFile: cfg.HTTP.TLSKey},
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Workers:         a.workers,
	})
	if err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

// app holds everything the API process owns so it can be closed in reverse
// order of construction.
type app struct {
	server          *server.Server
	handler         *api.Handler
	workers         []serverutil.Worker
	storeDriver     string
	detectionDriver string
	closers         []func() error
	logger          *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	built, err := a.build(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return built, nil
}

func (a *app) build(ctx context.Context, cfg config.Config) (*app, error) {
	logger := a.logger
	var err error

	recorder := metrics.Default()

	a.storeDriver, err = storage.ResolveDriver(cfg.Store.Storage())
	if err != nil {
		return nil, err
	}
	repo, err := storage.Open(ctx, cfg.Store.Storage(), cfg.Store.Options()...)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.storeDriver, err)
	}
	a.closers = append(a.closers, func() error { return repo.Close(context.Background()) })

	objects, err := objectstore.New(ctx, cfg.Objects.ObjectStore())
	if err != nil {
		return nil, fmt.Errorf("configure object store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = cfg.Redis.Client()
		a.closers = append(a.closers, redisClient.Close)
	}

	dispatcher, err := a.buildDispatcher(cfg, repo, objects, redisClient, recorder)
	if err != nil {
		return nil, err
	}

	svc, err := catalog.New(catalog.Config{
		Repository:        repo,
		Objects:           objects,
		Dispatcher:        dispatcher,
		AnonymousOwner:    cfg.Identity.AnonymousOwner,
		DeleteParallelism: cfg.Catalog.DeleteParallelism,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		return nil, err
	}

	a.handler = api.NewHandler(svc, api.Options{
		Identity: api.NewIdentity(api.IdentityConfig{
			JWTSecret:          cfg.Identity.JWTSecret,
			Issuer:             cfg.Identity.Issuer,
			AllowQueryIdentity: cfg.Identity.AllowQueryIdentity,
		}),
		WebhookToken: cfg.Identity.WebhookToken,
		Logger:       logger,
	})

	var auditLogger *slog.Logger
	if cfg.HTTP.AuditLog {
		auditLogger = logging.WithComponent(logger, "audit")
	}
	rateLimit := server.RateLimitConfig{
		GlobalRPS:             cfg.HTTP.GlobalRPS,
		GlobalBurst:           cfg.HTTP.GlobalBurst,
		UploadLimit:           cfg.HTTP.UploadLimit,
		UploadWindow:          cfg.HTTP.UploadWindow,
		RedisTimeout:          cfg.Redis.Timeout,
		TrustForwardedHeaders: cfg.HTTP.TrustForwardedHeaders,
		TrustedProxies:        cfg.HTTP.TrustedProxies,
	}
	if redisClient != nil {
		rateLimit.Redis = redisClient
	}
	a.server, err = server.New(a.handler, server.Config{
		Addr:        cfg.HTTP.Addr,
		TLS:         server.TLSConfig{CertFile: cfg.HTTP.TLSCert, KeyFile: cfg.HTTP.TLSKey},
		RateLimit:   rateLimit,
		CORS:        server.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.server.Close)
	return a, nil
}

// buildDispatcher wires the configured detection driver. Inline without a
// detector URL degrades to none: records stay pending until a detector
// reports through /detections.
func (a *app) buildDispatcher(cfg config.Config, repo storage.Repository, objects *objectstore.Store, redisClient *redis.Client, recorder *metrics.Recorder) (detection.Dispatcher, error) {
	driver := cfg.Detection.Driver
	if driver == config.DetectionInline && strings.TrimSpace(cfg.Detection.DetectorURL) == "" {
		a.logger.Warn("no detector URL configured, in-process detection disabled")
		driver = config.DetectionNone
	}
	a.detectionDriver = driver

	switch driver {
	case config.DetectionNone:
		return nil, nil
	case config.DetectionAsynq:
		client := asynq.NewClient(cfg.Redis.Asynq())
		a.closers = append(a.closers, client.Close)
		return detection.NewAsynqDispatcher(client, detection.AsynqDispatcherConfig{
			Queue:     cfg.Detection.Queue,
			MaxRetry:  cfg.Detection.MaxRetry,
			Timeout:   cfg.Detection.Timeout,
			Retention: cfg.Detection.Retention,
			Redis:     redisClient,
			Logger:    a.logger,
		}), nil
	default:
		detector, err := detection.NewHTTPDetector(cfg.Detection.HTTPDetector())
		if err != nil {
			return nil, fmt.Errorf("configure detector: %w", err)
		}
		pipeline, err := detection.NewPipeline(detection.PipelineConfig{
			Store:             repo,
			Media:             objects,
			Detector:          detector,
			MaxBytes:          cfg.Objects.MaxUploadBytes,
			ThumbnailSize:     cfg.Detection.ThumbnailSize,
			DisableThumbnails: cfg.Detection.DisableThumbnails,
			Logger:            a.logger,
			Metrics:           recorder,
		})
		if err != nil {
			return nil, err
		}
		processor := detection.NewProcessor(detection.ProcessorConfig{
			Pipeline:     pipeline,
			Workers:      cfg.Detection.Workers,
			QueueSize:    cfg.Detection.QueueSize,
			Timeout:      cfg.Detection.Timeout,
			Attempts:     cfg.Detection.Attempts,
			RetryBackoff: cfg.Detection.RetryBackoff,
			RecoverLimit: cfg.Detection.RecoverLimit,
			Logger:       a.logger,
		})
		a.workers = append(a.workers, func(ctx context.Context) error {
			return processor.Run(ctx, cfg.HTTP.ShutdownTimeout)
		})
		return processor, nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
