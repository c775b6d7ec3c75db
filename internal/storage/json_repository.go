package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"birdnest/internal/models"
	"birdnest/internal/tagging"
)

type catalogDataset struct {
	Records    map[string]models.TagRecord `json:"records"`
	Thumbnails map[string]string           `json:"thumbnails"`
}

func newCatalogDataset() catalogDataset {
	return catalogDataset{
		Records:    make(map[string]models.TagRecord),
		Thumbnails: make(map[string]string),
	}
}

// JSONRepository keeps the catalog in memory and, when a file path is set,
// mirrors every write to a JSON file using an atomic rename. Read-modify-write
// cycles hold a per-URL lock so concurrent edits of one record serialize while
// other records proceed.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     catalogDataset
	records  *keyedMutex
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(catalogDataset) error
}

// NewJSONRepository opens the JSON-backed catalog. An empty path keeps the
// catalog purely in memory.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	store := &JSONRepository{
		filePath: strings.TrimSpace(path),
		records:  newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONRepository) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = newCatalogDataset()
	if s.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var loaded catalogDataset
	if err := json.NewDecoder(file).Decode(&loaded); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	for url, record := range loaded.Records {
		if record.Tags == nil {
			record.Tags = models.SpeciesCounts{}
		}
		s.data.Records[url] = record
	}
	for thumb, url := range loaded.Thumbnails {
		s.data.Thumbnails[thumb] = url
	}
	return nil
}

// persistLocked writes the dataset; callers hold s.mu for writing.
func (s *JSONRepository) persistLocked() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "catalog-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *JSONRepository) Ping(context.Context) error {
	if s.filePath == "" {
		return nil
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *JSONRepository) Close(context.Context) error {
	return nil
}

func cloneRecord(record models.TagRecord) models.TagRecord {
	record.Tags = record.Tags.Clone()
	return record
}

func (s *JSONRepository) lookup(url string) (models.TagRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Records[url]
	if !ok {
		return models.TagRecord{}, false
	}
	return cloneRecord(record), true
}

// commit stores next for url, persisting the dataset. On persist failure the
// previous state is restored.
func (s *JSONRepository) commit(url string, next models.TagRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Records[url]
	s.data.Records[url] = next
	if err := s.persistLocked(); err != nil {
		if existed {
			s.data.Records[url] = previous
		} else {
			delete(s.data.Records, url)
		}
		return err
	}
	return nil
}

func (s *JSONRepository) RegisterObject(_ context.Context, object models.MediaObject) (models.TagRecord, error) {
	object, err := normalizeObject(object, s.now())
	if err != nil {
		return models.TagRecord{}, err
	}
	unlock := s.records.Lock(object.URL)
	defer unlock()

	if existing, ok := s.lookup(object.URL); ok {
		return existing, nil
	}

	record := models.TagRecord{
		MediaObject: object,
		Tags:        models.SpeciesCounts{},
		Status:      models.StatusPending,
		UpdatedAt:   object.CreatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if object.ThumbnailURL != "" {
		if owner, taken := s.data.Thumbnails[object.ThumbnailURL]; taken && owner != object.URL {
			return models.TagRecord{}, fmt.Errorf("%w: thumbnail %q already linked", models.ErrInvalidInput, object.ThumbnailURL)
		}
		s.data.Thumbnails[object.ThumbnailURL] = object.URL
	}
	s.data.Records[object.URL] = record
	if err := s.persistLocked(); err != nil {
		delete(s.data.Records, object.URL)
		if object.ThumbnailURL != "" {
			delete(s.data.Thumbnails, object.ThumbnailURL)
		}
		return models.TagRecord{}, err
	}
	return cloneRecord(record), nil
}

func (s *JSONRepository) SetThumbnail(_ context.Context, url, thumbnailURL string) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	thumbnailURL, err = requireURL(thumbnailURL)
	if err != nil {
		return models.TagRecord{}, err
	}
	unlock := s.records.Lock(url)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Records[url]
	if !ok {
		return models.TagRecord{}, mediaNotFound(url)
	}
	if owner, taken := s.data.Thumbnails[thumbnailURL]; taken && owner != url {
		return models.TagRecord{}, fmt.Errorf("%w: thumbnail %q already linked", models.ErrInvalidInput, thumbnailURL)
	}
	previous := record
	_, alreadyLinked := s.data.Thumbnails[thumbnailURL]
	record.ThumbnailURL = thumbnailURL
	record.UpdatedAt = s.now()
	s.data.Records[url] = record
	if previous.ThumbnailURL != "" && previous.ThumbnailURL != thumbnailURL {
		delete(s.data.Thumbnails, previous.ThumbnailURL)
	}
	s.data.Thumbnails[thumbnailURL] = url
	if err := s.persistLocked(); err != nil {
		s.data.Records[url] = previous
		if !alreadyLinked {
			delete(s.data.Thumbnails, thumbnailURL)
		}
		if previous.ThumbnailURL != "" {
			s.data.Thumbnails[previous.ThumbnailURL] = url
		}
		return models.TagRecord{}, err
	}
	return cloneRecord(record), nil
}

func (s *JSONRepository) GetByURL(_ context.Context, url string) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	record, ok := s.lookup(url)
	if !ok {
		return models.TagRecord{}, mediaNotFound(url)
	}
	return record, nil
}

func (s *JSONRepository) GetByThumbnail(_ context.Context, thumbnailURL string) (models.ThumbnailLink, error) {
	thumbnailURL, err := requireURL(thumbnailURL)
	if err != nil {
		return models.ThumbnailLink{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	url, ok := s.data.Thumbnails[thumbnailURL]
	if !ok {
		return models.ThumbnailLink{}, thumbnailNotFound(thumbnailURL)
	}
	return models.ThumbnailLink{ThumbnailURL: thumbnailURL, URL: url}, nil
}

func (s *JSONRepository) Search(_ context.Context, predicate models.SearchPredicate) ([]string, error) {
	predicate, err := tagging.ValidatePredicate(predicate)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := make([]string, 0)
	for url, record := range s.data.Records {
		if tagging.Matches(record.Tags, predicate) {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

func (s *JSONRepository) ListByOwner(_ context.Context, ownerID string) ([]models.TagRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	s.mu.RLock()
	records := make([]models.TagRecord, 0)
	for _, record := range s.data.Records {
		if record.OwnerID == ownerID {
			records = append(records, cloneRecord(record))
		}
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].URL < records[j].URL
	})
	return records, nil
}

func (s *JSONRepository) ListPending(_ context.Context, limit int) ([]models.TagRecord, error) {
	s.mu.RLock()
	records := make([]models.TagRecord, 0)
	for _, record := range s.data.Records {
		if record.Status == models.StatusPending {
			records = append(records, cloneRecord(record))
		}
	}
	s.mu.RUnlock()
	sortOldestFirst(records)
	if limit = pendingLimit(limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *JSONRepository) ListAll(context.Context) ([]models.TagRecord, error) {
	s.mu.RLock()
	records := make([]models.TagRecord, 0, len(s.data.Records))
	for _, record := range s.data.Records {
		records = append(records, cloneRecord(record))
	}
	s.mu.RUnlock()
	sortOldestFirst(records)
	return records, nil
}

func (s *JSONRepository) UpsertTags(_ context.Context, url string, tags models.SpeciesCounts) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	unlock := s.records.Lock(url)
	defer unlock()

	record, ok := s.lookup(url)
	if !ok {
		return models.TagRecord{}, mediaNotFound(url)
	}
	record.Tags = tagging.NormalizeCounts(tags)
	record.Status = models.StatusDone
	record.UpdatedAt = s.now()
	if err := s.commit(url, record); err != nil {
		return models.TagRecord{}, err
	}
	return cloneRecord(record), nil
}

func (s *JSONRepository) ApplyDelta(_ context.Context, url string, op tagging.Operation, deltas []tagging.Delta) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	unlock := s.records.Lock(url)
	defer unlock()

	record, ok := s.lookup(url)
	if !ok {
		return models.TagRecord{}, mediaNotFound(url)
	}
	next, err := tagging.Apply(record.Tags, op, deltas)
	if err != nil {
		return models.TagRecord{}, err
	}
	record.Tags = next
	record.UpdatedAt = s.now()
	if err := s.commit(url, record); err != nil {
		return models.TagRecord{}, err
	}
	return cloneRecord(record), nil
}

func (s *JSONRepository) Delete(_ context.Context, url string) (models.MediaObject, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.MediaObject{}, err
	}
	unlock := s.records.Lock(url)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Records[url]
	if !ok {
		return models.MediaObject{}, mediaNotFound(url)
	}
	delete(s.data.Records, url)
	if record.ThumbnailURL != "" {
		delete(s.data.Thumbnails, record.ThumbnailURL)
	}
	if err := s.persistLocked(); err != nil {
		s.data.Records[url] = record
		if record.ThumbnailURL != "" {
			s.data.Thumbnails[record.ThumbnailURL] = url
		}
		return models.MediaObject{}, err
	}
	return record.MediaObject, nil
}

func sortOldestFirst(records []models.TagRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].URL < records[j].URL
	})
}
