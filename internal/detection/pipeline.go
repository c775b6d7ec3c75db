package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/h2non/filetype"

	"birdnest/internal/models"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/logging"
	"birdnest/internal/observability/metrics"
)

// Job asks for one stored object to be analysed. Force re-runs detection on
// a record that is already done.
type Job struct {
	URL   string `json:"s3_url"`
	Key   string `json:"key,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// Outcome describes how a job ended without error.
type Outcome string

const (
	OutcomeTagged  Outcome = "tagged"
	OutcomeSkipped Outcome = "skipped"
	OutcomeDropped Outcome = "dropped"
	outcomeFailed  Outcome = "failed"
)

// Result is the outcome of a successful Run.
type Result struct {
	Outcome Outcome
	Record  models.TagRecord
}

// RecordStore is the slice of the metadata store the pipeline writes to.
type RecordStore interface {
	GetByURL(ctx context.Context, url string) (models.TagRecord, error)
	SetThumbnail(ctx context.Context, url, thumbnailURL string) (models.TagRecord, error)
	UpsertTags(ctx context.Context, url string, tags models.SpeciesCounts) (models.TagRecord, error)
	ListPending(ctx context.Context, limit int) ([]models.TagRecord, error)
}

// MediaStore reads media bytes and stores thumbnails.
type MediaStore interface {
	Fetch(ctx context.Context, key string, limit int64) (objectstore.Object, error)
	PutThumbnail(ctx context.Context, mediaKey string, jpeg []byte) (string, error)
}

type PipelineConfig struct {
	Store             RecordStore
	Media             MediaStore
	Detector          Detector
	MaxBytes          int64
	ThumbnailSize     int
	DisableThumbnails bool
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Pipeline runs detection for a single job.
type Pipeline struct {
	store         RecordStore
	media         MediaStore
	detector      Detector
	maxBytes      int64
	thumbnailSize int
	thumbnails    bool
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("detection pipeline requires a record store")
	case cfg.Media == nil:
		return nil, errors.New("detection pipeline requires a media store")
	case cfg.Detector == nil:
		return nil, errors.New("detection pipeline requires a detector")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = objectstore.DefaultMaxUploadBytes
	}
	size := cfg.ThumbnailSize
	if size <= 0 {
		size = ThumbnailSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Pipeline{
		store:         cfg.Store,
		media:         cfg.Media,
		detector:      cfg.Detector,
		maxBytes:      maxBytes,
		thumbnailSize: size,
		thumbnails:    !cfg.DisableThumbnails,
		logger:        logging.WithComponent(logger, "detection"),
		metrics:       recorder,
	}, nil
}

// Run looks up the record, fetches the media, attaches a thumbnail for
// images, runs the detector and writes the counts. A record or object that
// disappears while the job runs ends the job with OutcomeDropped.
func (p *Pipeline) Run(ctx context.Context, job Job) (Result, error) {
	url := strings.TrimSpace(job.URL)
	if url == "" {
		return Result{}, fmt.Errorf("%w: detection job needs a media url", models.ErrInvalidInput)
	}
	logger := logging.WithContext(ctx, p.logger).With("url", url)

	record, err := p.store.GetByURL(ctx, url)
	if errors.Is(err, models.ErrNotFound) {
		logger.Info("detection job dropped, media no longer registered")
		return Result{Outcome: OutcomeDropped}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load record: %w", err)
	}
	if record.Status == models.StatusDone && !job.Force {
		return Result{Outcome: OutcomeSkipped, Record: record}, nil
	}

	object, err := p.media.Fetch(ctx, record.Key, p.maxBytes)
	if errors.Is(err, models.ErrNotFound) {
		logger.Info("detection job dropped, object missing", "key", record.Key)
		return Result{Outcome: OutcomeDropped}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetch media: %w", err)
	}

	kind, contentType := sniff(object.Body, record.Kind, firstNonEmpty(object.ContentType, record.ContentType))
	if kind == models.KindImage && p.thumbnails && record.ThumbnailURL == "" {
		updated, dropped := p.attachThumbnail(ctx, logger, record, object.Body)
		if dropped {
			return Result{Outcome: OutcomeDropped}, nil
		}
		record = updated
	}

	counts, err := p.detector.Detect(ctx, Input{
		Key:         record.Key,
		URL:         record.URL,
		FileName:    path.Base(record.Key),
		ContentType: contentType,
		Kind:        kind,
		Body:        object.Body,
	})
	if err != nil {
		return Result{}, fmt.Errorf("detect species: %w", err)
	}

	record, err = p.store.UpsertTags(ctx, url, PostProcess(counts))
	if errors.Is(err, models.ErrNotFound) {
		logger.Info("late detection write dropped, media was deleted")
		return Result{Outcome: OutcomeDropped}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("write tags: %w", err)
	}
	logger.Info("media tagged", "species", record.Tags.Species())
	return Result{Outcome: OutcomeTagged, Record: record}, nil
}

// Observe runs the job and records it under the dispatcher's name.
func (p *Pipeline) Observe(ctx context.Context, driver string, job Job) (Result, error) {
	p.metrics.DetectionStarted(driver)
	result, err := p.Run(ctx, job)
	if err != nil {
		p.metrics.DetectionFinished(driver, string(outcomeFailed))
		return result, err
	}
	p.metrics.DetectionFinished(driver, string(result.Outcome))
	return result, nil
}

// Pending lists records still waiting for detection.
func (p *Pipeline) Pending(ctx context.Context, limit int) ([]models.TagRecord, error) {
	return p.store.ListPending(ctx, limit)
}

// attachThumbnail stores a thumbnail and links it. Failures other than the
// record disappearing are logged and do not stop detection.
func (p *Pipeline) attachThumbnail(ctx context.Context, logger *slog.Logger, record models.TagRecord, body []byte) (models.TagRecord, bool) {
	thumb, err := Thumbnail(body, p.thumbnailSize)
	if err != nil {
		logger.Warn("thumbnail generation failed", "error", err)
		return record, false
	}
	thumbURL, err := p.media.PutThumbnail(ctx, record.Key, thumb)
	if err != nil {
		logger.Warn("thumbnail upload failed", "error", err)
		return record, false
	}
	updated, err := p.store.SetThumbnail(ctx, record.URL, thumbURL)
	if errors.Is(err, models.ErrNotFound) {
		logger.Info("thumbnail dropped, media was deleted")
		return record, true
	}
	if err != nil {
		logger.Warn("thumbnail link failed", "error", err)
		return record, false
	}
	return updated, false
}

// sniff classifies bytes by their magic numbers, falling back to what was
// declared at upload.
func sniff(body []byte, declared models.MediaKind, contentType string) (models.MediaKind, string) {
	match, err := filetype.Match(body)
	if err != nil || match == filetype.Unknown {
		return declared, contentType
	}
	switch {
	case filetype.IsImage(body):
		return models.KindImage, match.MIME.Value
	case filetype.IsVideo(body):
		return models.KindVideo, match.MIME.Value
	default:
		return declared, contentType
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
