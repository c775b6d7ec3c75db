package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"birdnest/internal/models"
	"birdnest/internal/observability/logging"
)

// Dispatcher hands a job to whatever runs detection.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job Job) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) error {
	return f(ctx, job)
}

const inlineDriver = "inline"

type ProcessorConfig struct {
	Pipeline     *Pipeline
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	Attempts     int
	RetryBackoff time.Duration
	RecoverLimit int
	Logger       *slog.Logger
}

// Processor is an in-process worker pool. Jobs for a URL that is already
// being processed are dropped, and pending records are re-queued at start.
type Processor struct {
	pipeline     *Pipeline
	workers      int
	timeout      time.Duration
	attempts     int
	retryBackoff time.Duration
	recoverLimit int
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan Job
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultDetectionWorkers   = 2
	defaultDetectionQueueSize = 64
	defaultDetectionTimeout   = 2 * time.Minute
	defaultDetectionAttempts  = 3
	defaultRetryBackoff       = time.Second
)

// ErrProcessorStopped is returned by Dispatch after Shutdown.
var ErrProcessorStopped = fmt.Errorf("%w: detection processor stopped", models.ErrUpstreamUnavailable)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDetectionWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultDetectionQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDetectionTimeout
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultDetectionAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		pipeline:     cfg.Pipeline,
		workers:      workers,
		timeout:      timeout,
		attempts:     attempts,
		retryBackoff: backoff,
		recoverLimit: cfg.RecoverLimit,
		logger:       logging.WithComponent(logger, "detection"),
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan Job, queueSize),
		inFlight:     make(map[string]struct{}),
	}
}

// Start launches the workers and queues pending records once.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recoverPending()
	}()
}

// Run starts the processor and blocks until ctx is cancelled, then drains
// workers within the shutdown timeout.
func (p *Processor) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	p.Start()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch queues job, waiting for room until ctx ends.
func (p *Processor) Dispatch(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.URL) == "" {
		return fmt.Errorf("%w: detection job needs a media url", models.ErrInvalidInput)
	}
	select {
	case <-p.ctx.Done():
		return ErrProcessorStopped
	default:
	}
	select {
	case p.queue <- job:
		return nil
	case <-p.ctx.Done():
		return ErrProcessorStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: detection queue full: %v", models.ErrUpstreamUnavailable, ctx.Err())
	}
}

// Ping fails once the processor has been shut down.
func (p *Processor) Ping(context.Context) error {
	select {
	case <-p.ctx.Done():
		return ErrProcessorStopped
	default:
		return nil
	}
}

// QueueDepth reports how many jobs are waiting.
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			url := strings.TrimSpace(job.URL)
			if !p.beginWork(url) {
				continue
			}
			p.process(job)
			p.finishWork(url)
		}
	}
}

func (p *Processor) beginWork(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[url]; exists {
		return false
	}
	p.inFlight[url] = struct{}{}
	return true
}

func (p *Processor) finishWork(url string) {
	p.mu.Lock()
	delete(p.inFlight, url)
	p.mu.Unlock()
}

func (p *Processor) recoverPending() {
	if p.pipeline == nil {
		return
	}
	records, err := p.pipeline.Pending(p.ctx, p.recoverLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to list pending media", "error", err)
		}
		return
	}
	for _, record := range records {
		if err := p.Dispatch(p.ctx, Job{URL: record.URL, Key: record.Key}); err != nil {
			return
		}
	}
	if len(records) > 0 {
		p.logger.Info("re-queued pending media", "count", len(records))
	}
}

func (p *Processor) process(job Job) {
	if p.pipeline == nil {
		return
	}
	ctx := logging.ContextWithObjectKey(p.ctx, job.Key)
	for attempt := 1; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.pipeline.Observe(runCtx, inlineDriver, job)
		cancel()
		if err == nil {
			return
		}
		if !IsRetryable(err) || attempt >= p.attempts {
			p.logger.Error("detection failed", "url", job.URL, "attempt", attempt, "error", err)
			return
		}
		p.logger.Warn("detection attempt failed, retrying", "url", job.URL, "attempt", attempt, "error", err)
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.retryBackoff * time.Duration(attempt)):
		}
	}
}
