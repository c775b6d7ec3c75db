// Command detector-worker consumes detection tasks from the asynq queue,
// runs the species detector and writes counts to the metadata store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"birdnest/internal/config"
	"birdnest/internal/detection"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/logging"
	"birdnest/internal/observability/metrics"
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
	fs := pflag.NewFlagSet("detector-worker", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	healthAddr := fs.String("health-addr", ":9091", "address serving /healthz and /metrics")
	requeue := fs.Bool("requeue-pending", true, "queue records left pending before starting")
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
	if !cfg.Redis.Enabled() {
		return errors.New("detector-worker requires redis.addr")
	}
	if strings.TrimSpace(cfg.Detection.DetectorURL) == "" {
		return errors.New("detector-worker requires detection.detector_url")
	}
	logger := logging.Init(cfg.Log.Logging())
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := storage.Open(ctx, cfg.Store.Storage(), cfg.Store.Options()...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close(context.Background())

	objects, err := objectstore.New(ctx, cfg.Objects.ObjectStore())
	if err != nil {
		return fmt.Errorf("configure object store: %w", err)
	}
	detector, err := detection.NewHTTPDetector(cfg.Detection.HTTPDetector())
	if err != nil {
		return err
	}
	pipeline, err := detection.NewPipeline(detection.PipelineConfig{
		Store:             repo,
		Media:             objects,
		Detector:          detector,
		MaxBytes:          cfg.Objects.MaxUploadBytes,
		ThumbnailSize:     cfg.Detection.ThumbnailSize,
		DisableThumbnails: cfg.Detection.DisableThumbnails,
		Logger:            logging.WithComponent(logger, "detection"),
		Metrics:           recorder,
	})
	if err != nil {
		return err
	}

	redisClient := cfg.Redis.Client()
	defer redisClient.Close()
	queueClient := asynq.NewClient(cfg.Redis.Asynq())
	defer queueClient.Close()
	dispatcher := detection.NewAsynqDispatcher(queueClient, detection.AsynqDispatcherConfig{
		Queue:     cfg.Detection.Queue,
		MaxRetry:  cfg.Detection.MaxRetry,
		Timeout:   cfg.Detection.Timeout,
		Retention: cfg.Detection.Retention,
		Redis:     redisClient,
		Logger:    logger,
	})

	if *requeue {
		queued, err := requeuePending(ctx, pipeline, dispatcher, cfg.Detection.RecoverLimit)
		if err != nil {
			logger.Warn("requeue pending records failed", "error", err)
		} else if queued > 0 {
			logger.Info("requeued pending records", "count", queued)
		}
	}

	worker, mux := detection.NewAsynqWorker(detection.WorkerConfig{
		Redis:       cfg.Redis.Asynq(),
		Queue:       cfg.Detection.Queue,
		Concurrency: cfg.Detection.Workers,
		Logger:      logger,
	}, pipeline)

	checks := map[string]pinger{
		"store":   repo,
		"objects": objects,
		"queue":   dispatcher,
	}
	healthServer := &http.Server{
		Addr:              *healthAddr,
		Handler:           healthMux(checks, recorder),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting detector worker",
		"queue", cfg.Detection.Queue,
		"concurrency", cfg.Detection.Workers,
		"health_addr", *healthAddr)

	return serverutil.Run(ctx, serverutil.Config{
		Server:          healthServer,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Workers: []serverutil.Worker{func(ctx context.Context) error {
			return runQueue(ctx, worker, mux, logger)
		}},
	})
}

// runQueue processes tasks until ctx is cancelled. asynq drains in-flight
// tasks on Shutdown within its own timeout.
func runQueue(ctx context.Context, worker *asynq.Server, mux *asynq.ServeMux, logger *slog.Logger) error {
	if err := worker.Start(mux); err != nil {
		return fmt.Errorf("start asynq worker: %w", err)
	}
	<-ctx.Done()
	logger.Info("stopping detector worker")
	worker.Shutdown()
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// requeuePending dispatches up to limit pending records. Records whose task
// is still retained are deduplicated by the dispatcher.
func requeuePending(ctx context.Context, pipeline *detection.Pipeline, dispatcher detection.Dispatcher, limit int) (int, error) {
	pending, err := pipeline.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, record := range pending {
		if err := dispatcher.Dispatch(ctx, detection.Job{URL: record.URL, Key: record.Key}); err != nil {
			return queued, fmt.Errorf("dispatch %s: %w", record.URL, err)
		}
		queued++
	}
	return queued, nil
}

func healthMux(checks map[string]pinger, recorder *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		status, code := "ok", http.StatusOK
		services := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				services[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				recorder.SetDependencyHealth(name, "unavailable")
				continue
			}
			services[name] = "ok"
			recorder.SetDependencyHealth(name, "ok")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "services": services})
	})
	mux.Handle("/metrics", recorder.Handler())
	return mux
}
