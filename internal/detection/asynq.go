package detection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"birdnest/internal/models"
	"birdnest/internal/observability/logging"
)

// TaskTypeDetect is the asynq task type carrying a JSON Job.
const TaskTypeDetect = "birdnest:detect"

const (
	asynqDriver           = "asynq"
	defaultTaskQueue      = "detection"
	defaultTaskMaxRetry   = 3
	defaultTaskTimeout    = 5 * time.Minute
	defaultTaskRetention  = time.Hour
	defaultWorkerParallel = 4
)

// AsynqClient abstracts task enqueue operations.
type AsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

var _ AsynqClient = (*asynq.Client)(nil)

type AsynqDispatcherConfig struct {
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
	// Redis is optional and only used for health checks.
	Redis     redis.UniversalClient
	Logger    *slog.Logger
}

// AsynqDispatcher queues jobs on Redis for cmd/detector-worker.
type AsynqDispatcher struct {
	client    AsynqClient
	queue     string
	maxRetry  int
	timeout   time.Duration
	retention time.Duration
	redis     redis.UniversalClient
	logger    *slog.Logger
	now       func() time.Time
}

func NewAsynqDispatcher(client AsynqClient, cfg AsynqDispatcherConfig) *AsynqDispatcher {
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = defaultTaskQueue
	}
	maxRetry := cfg.MaxRetry
	if maxRetry < 0 {
		maxRetry = 0
	} else if maxRetry == 0 {
		maxRetry = defaultTaskMaxRetry
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultTaskRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqDispatcher{
		client:    client,
		queue:     queue,
		maxRetry:  maxRetry,
		timeout:   timeout,
		retention: retention,
		redis:     cfg.Redis,
		logger:    logging.WithComponent(logger, "detection"),
		now:       time.Now,
	}
}

// Dispatch enqueues job. A job for a URL whose task is still retained is
// treated as already queued; forced jobs always get a fresh task ID.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.URL) == "" {
		return fmt.Errorf("%w: detection job needs a media url", models.ErrInvalidInput)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode detection job: %w", err)
	}
	taskID := TaskID(job.URL)
	if job.Force {
		taskID += ":" + strconv.FormatInt(d.now().UnixNano(), 36)
	}
	task := asynq.NewTask(TaskTypeDetect, payload)
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.timeout),
		asynq.Retention(d.retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		d.logger.Debug("detection task already queued", "task_id", taskID, "url", job.URL)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: enqueue detection: %v", models.ErrUpstreamUnavailable, err)
	}
	d.logger.Info("detection task queued", "task_id", info.ID, "queue", info.Queue, "url", job.URL)
	return nil
}

// Ping checks the Redis instance backing the queue when one was supplied.
func (d *AsynqDispatcher) Ping(ctx context.Context) error {
	if d.redis == nil {
		return nil
	}
	return d.redis.Ping(ctx).Err()
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// TaskID derives a stable task identifier from a media URL.
func TaskID(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return "detect:" + hex.EncodeToString(sum[:16])
}

// NewAsynqHandler runs decoded jobs through the pipeline. Failures that a
// retry cannot fix skip asynq's retry schedule.
func NewAsynqHandler(pipeline *Pipeline) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var job Job
		if err := json.Unmarshal(task.Payload(), &job); err != nil {
			return fmt.Errorf("decode detection job: %v: %w", err, asynq.SkipRetry)
		}
		ctx = logging.ContextWithObjectKey(ctx, job.Key)
		if _, err := pipeline.Observe(ctx, asynqDriver, job); err != nil {
			if IsRetryable(err) {
				return err
			}
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

// WorkerConfig sizes the asynq server consuming detection tasks.
type WorkerConfig struct {
	Redis       asynq.RedisClientOpt
	Queue       string
	Concurrency int
	Logger      *slog.Logger
}

// NewAsynqWorker builds the asynq server and its mux for detection tasks.
func NewAsynqWorker(cfg WorkerConfig, pipeline *Pipeline) (*asynq.Server, *asynq.ServeMux) {
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = defaultTaskQueue
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultWorkerParallel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "detection")
	srv := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("detection task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeDetect, NewAsynqHandler(pipeline))
	return srv, mux
}
