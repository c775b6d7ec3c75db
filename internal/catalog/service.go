// Package catalog is the application layer behind the HTTP API. It ties the
// object store, the metadata store and detection dispatch together and owns
// the bulk semantics of tag edits and deletes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"birdnest/internal/detection"
	"birdnest/internal/models"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/logging"
	"birdnest/internal/observability/metrics"
	"birdnest/internal/storage"
	"birdnest/internal/tagging"
)

// ObjectStore is the part of the object store gateway the catalog uses.
type ObjectStore interface {
	PresignUpload(ctx context.Context, req objectstore.UploadRequest) (objectstore.PresignedUpload, error)
	PublicURL(key string) string
	OwnerFromKey(key string) (string, bool)
	ThumbnailKey(mediaKey string) string
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

var _ ObjectStore = (*objectstore.Store)(nil)

const defaultDeleteParallelism = 8

type Config struct {
	Repository        storage.Repository
	Objects           ObjectStore
	Dispatcher        detection.Dispatcher
	AnonymousOwner    string
	DeleteParallelism int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Service implements every catalog operation exposed over HTTP.
type Service struct {
	repo           storage.Repository
	objects        ObjectStore
	dispatcher     detection.Dispatcher
	anonymousOwner string
	parallelism    int
	logger         *slog.Logger
	audit          *slog.Logger
	metrics        *metrics.Recorder
}

func New(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("catalog requires a repository")
	}
	if cfg.Objects == nil {
		return nil, errors.New("catalog requires an object store")
	}
	parallelism := cfg.DeleteParallelism
	if parallelism <= 0 {
		parallelism = defaultDeleteParallelism
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Service{
		repo:           cfg.Repository,
		objects:        cfg.Objects,
		dispatcher:     cfg.Dispatcher,
		anonymousOwner: strings.TrimSpace(cfg.AnonymousOwner),
		parallelism:    parallelism,
		logger:         logging.WithComponent(logger, "catalog"),
		audit:          logging.WithComponent(logger, "audit"),
		metrics:        recorder,
	}, nil
}

// RequestUpload issues a presigned PUT. Requests without an owner fall back
// to the anonymous namespace when one is configured.
func (s *Service) RequestUpload(ctx context.Context, req objectstore.UploadRequest) (objectstore.PresignedUpload, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		if s.anonymousOwner == "" {
			s.metrics.ObserveUpload("rejected")
			return objectstore.PresignedUpload{}, fmt.Errorf("%w: userId is required", models.ErrInvalidInput)
		}
		req.OwnerID = s.anonymousOwner
	}
	upload, err := s.objects.PresignUpload(ctx, req)
	if err != nil {
		s.metrics.ObserveUpload("rejected")
		return objectstore.PresignedUpload{}, err
	}
	s.metrics.ObserveUpload("presigned")
	logging.WithContext(ctx, s.logger).Debug("upload presigned", "key", upload.Key, "owner_id", req.OwnerID)
	return upload, nil
}

// ObjectCreated describes a completed PUT reported by the object store.
type ObjectCreated struct {
	Key         string
	ContentType string
	Size        int64
}

// RecordObjectCreated registers the object with a pending record and asks
// for detection. A failed dispatch leaves the record pending for recovery.
func (s *Service) RecordObjectCreated(ctx context.Context, event ObjectCreated) (models.TagRecord, error) {
	key := strings.TrimLeft(strings.TrimSpace(event.Key), "/")
	owner, ok := s.objects.OwnerFromKey(key)
	if !ok {
		return models.TagRecord{}, fmt.Errorf("%w: key %q is outside the media namespace", models.ErrInvalidInput, key)
	}
	kind, contentType, ok := objectstore.KindForKey(key)
	if declared, known := objectstore.KindForContentType(event.ContentType); known {
		kind, contentType, ok = declared, event.ContentType, true
	}
	if !ok {
		return models.TagRecord{}, fmt.Errorf("%w: key %q is not a supported media type", models.ErrInvalidInput, key)
	}

	record, err := s.repo.RegisterObject(ctx, models.MediaObject{
		Key:         key,
		OwnerID:     owner,
		URL:         s.objects.PublicURL(key),
		Kind:        kind,
		ContentType: contentType,
	})
	if err != nil {
		return models.TagRecord{}, err
	}
	s.metrics.ObserveUpload("object_created")

	logger := logging.WithContext(logging.ContextWithOwnerID(ctx, owner), s.logger)
	if record.Status == models.StatusDone {
		logger.Debug("object already tagged", "key", key)
		return record, nil
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, detection.Job{URL: record.URL, Key: key}); err != nil {
			logger.Warn("detection dispatch failed, record left pending", "key", key, "error", err)
		}
	}
	return record, nil
}

// RequeuePending dispatches detection for up to limit pending records.
func (s *Service) RequeuePending(ctx context.Context, limit int) (int, error) {
	if s.dispatcher == nil {
		return 0, nil
	}
	records, err := s.repo.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, record := range records {
		if err := s.dispatcher.Dispatch(ctx, detection.Job{URL: record.URL, Key: record.Key}); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Lookup returns the record for a primary URL.
func (s *Service) Lookup(ctx context.Context, url string) (models.TagRecord, error) {
	s.metrics.ObserveSearch("file")
	url = strings.TrimSpace(url)
	if url == "" {
		return models.TagRecord{}, fmt.Errorf("%w: s3_url is required", models.ErrInvalidInput)
	}
	return s.repo.GetByURL(ctx, url)
}

// LookupThumbnail resolves a thumbnail URL to its media URL.
func (s *Service) LookupThumbnail(ctx context.Context, thumbnailURL string) (models.ThumbnailLink, error) {
	s.metrics.ObserveSearch("thumbnail")
	thumbnailURL = strings.TrimSpace(thumbnailURL)
	if thumbnailURL == "" {
		return models.ThumbnailLink{}, fmt.Errorf("%w: thumbnail_url is required", models.ErrInvalidInput)
	}
	return s.repo.GetByThumbnail(ctx, thumbnailURL)
}

// Search returns the URLs of records meeting every species minimum. No
// match is an empty list, never an error.
func (s *Service) Search(ctx context.Context, predicate models.SearchPredicate) ([]string, error) {
	s.metrics.ObserveSearch("tags")
	normalized, err := tagging.ValidatePredicate(predicate)
	if err != nil {
		return nil, err
	}
	links, err := s.repo.Search(ctx, normalized)
	if errors.Is(err, models.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []string{}
	}
	return links, nil
}

// Gallery lists an owner's records, newest first.
func (s *Service) Gallery(ctx context.Context, ownerID string) ([]models.TagRecord, error) {
	s.metrics.ObserveSearch("gallery")
	owner, err := objectstore.ValidateOwner(ownerID)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.TagRecord{}
	}
	return records, nil
}

// EditTags applies one delta list to every URL. The deltas are parsed and
// every URL resolved before any record changes, so a malformed delta or an
// unknown URL leaves the catalog untouched.
func (s *Service) EditTags(ctx context.Context, urls []string, op tagging.Operation, rawDeltas []string) ([]models.TagRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown tag operation %q", models.ErrInvalidInput, op)
	}
	deltas, err := tagging.ParseDeltas(rawDeltas)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolveAll(ctx, urls)
	if err != nil {
		return nil, err
	}

	updated := make([]models.TagRecord, 0, len(resolved))
	for _, url := range resolved {
		record, err := s.repo.ApplyDelta(ctx, url, op, deltas)
		if err != nil {
			s.metrics.ObserveTagMutation(string(op), len(updated))
			return updated, fmt.Errorf("apply tags to %s: %w", url, err)
		}
		updated = append(updated, record)
	}
	s.metrics.ObserveTagMutation(string(op), len(updated))
	s.audit.Info("tags edited", "operation", op, "records", len(updated), "deltas", len(deltas),
		"request_id", requestID(ctx))
	return updated, nil
}

// RecordDetection stores counts produced by an external detector.
func (s *Service) RecordDetection(ctx context.Context, url string, counts models.SpeciesCounts) (models.TagRecord, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return models.TagRecord{}, fmt.Errorf("%w: s3_url is required", models.ErrInvalidInput)
	}
	for species, count := range counts {
		if count < 0 {
			return models.TagRecord{}, fmt.Errorf("%w: count for %q is negative", models.ErrInvalidInput, species)
		}
	}
	record, err := s.repo.UpsertTags(ctx, url, detection.PostProcess(counts))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.metrics.ObserveDetection("webhook", "dropped")
		}
		return models.TagRecord{}, err
	}
	s.metrics.ObserveDetection("webhook", "tagged")
	return record, nil
}

// Delete removes each URL's stored bytes, thumbnail and record. URLs that
// are unknown or fail to delete are left out of the result; the rest are
// returned in request order.
func (s *Service) Delete(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: urls are required", models.ErrInvalidInput)
	}
	unique := dedupe(urls)
	results := make([]string, len(unique))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for i, url := range unique {
		i, url := i, url
		group.Go(func() error {
			deleted, err := s.deleteOne(groupCtx, url)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				logging.WithContext(ctx, s.logger).Warn("delete skipped", "url", url, "error", err)
				return nil
			}
			results[i] = deleted
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(results))
	for _, url := range results {
		if url != "" {
			deleted = append(deleted, url)
		}
	}
	s.metrics.ObserveDeletion("deleted", len(deleted))
	s.metrics.ObserveDeletion("skipped", len(unique)-len(deleted))
	s.audit.Info("media deleted", "requested", len(unique), "deleted", len(deleted), "request_id", requestID(ctx))
	return deleted, nil
}

// deleteOne removes one record, then its stored bytes. It returns the URL as
// the caller sent it. Once the record is gone the media counts as deleted; a
// failed object delete leaves an orphaned object, never a dangling record.
func (s *Service) deleteOne(ctx context.Context, url string) (string, error) {
	primary, err := s.resolve(ctx, url)
	if err != nil {
		return "", err
	}
	record, err := s.repo.Delete(ctx, primary)
	if err != nil {
		return "", err
	}
	logger := logging.WithContext(ctx, s.logger)
	if err := s.objects.Delete(ctx, record.Key); err != nil {
		logger.Warn("object delete failed", "key", record.Key, "error", err)
	}
	if record.ThumbnailURL != "" {
		if err := s.objects.Delete(ctx, s.objects.ThumbnailKey(record.Key)); err != nil {
			logger.Warn("thumbnail delete failed", "key", record.Key, "error", err)
		}
	}
	return url, nil
}

// resolve maps a primary or thumbnail URL to the primary URL.
func (s *Service) resolve(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("%w: empty url", models.ErrInvalidInput)
	}
	_, err := s.repo.GetByURL(ctx, url)
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", err
	}
	link, err := s.repo.GetByThumbnail(ctx, url)
	if err != nil {
		return "", err
	}
	return link.URL, nil
}

func (s *Service) resolveAll(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: urls are required", models.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(urls))
	resolved := make([]string, 0, len(urls))
	for _, url := range urls {
		primary, err := s.resolve(ctx, url)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[primary]; dup {
			continue
		}
		seen[primary] = struct{}{}
		resolved = append(resolved, primary)
	}
	return resolved, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func requestID(ctx context.Context) string {
	id, _ := logging.RequestIDFromContext(ctx)
	return id
}
