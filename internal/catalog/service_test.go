package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdnest/internal/detection"
	"birdnest/internal/models"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/metrics"
	"birdnest/internal/storage"
	"birdnest/internal/tagging"
	"birdnest/internal/testsupport/s3stub"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []detection.Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job detection.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) dispatched() []detection.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]detection.Job(nil), d.jobs...)
}

type fixture struct {
	service    *Service
	repo       *storage.JSONRepository
	objects    *objectstore.Store
	stub       *s3stub.Server
	dispatcher *recordingDispatcher
	metrics    *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stub := s3stub.New("birds")
	t.Cleanup(stub.Close)
	objects, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint:     stub.URL(),
		AccessKey:    "AKIAEXAMPLE",
		SecretKey:    "secretKeyExample",
		Bucket:       "birds",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	var clockMu sync.Mutex
	tick := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	repo, err := storage.NewJSONRepository("", storage.WithClock(clock))
	require.NoError(t, err)

	fx := &fixture{repo: repo, objects: objects, stub: stub, dispatcher: &recordingDispatcher{}, metrics: metrics.New()}
	fx.service, err = New(Config{
		Repository:     repo,
		Objects:        objects,
		Dispatcher:     fx.dispatcher,
		AnonymousOwner: "anonymous",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        fx.metrics,
	})
	require.NoError(t, err)
	return fx
}

// upload stores bytes under the owner's namespace and reports the object as
// created, the way the bucket notification would.
func (fx *fixture) upload(t *testing.T, owner, name string) models.TagRecord {
	t.Helper()
	key := "media-files/" + owner + "/" + name
	kind, contentType, ok := objectstore.KindForKey(key)
	require.True(t, ok)
	fx.stub.Put("birds", key, contentType, []byte("bytes of "+name))
	record, err := fx.service.RecordObjectCreated(context.Background(), ObjectCreated{Key: key})
	require.NoError(t, err)
	require.Equal(t, kind, record.Kind)
	return record
}

func (fx *fixture) tag(t *testing.T, url string, counts models.SpeciesCounts) models.TagRecord {
	t.Helper()
	record, err := fx.service.RecordDetection(context.Background(), url, counts)
	require.NoError(t, err)
	return record
}

func TestRequestUploadFallsBackToAnonymousOwner(t *testing.T) {
	fx := newFixture(t)

	upload, err := fx.service.RequestUpload(context.Background(), objectstore.UploadRequest{FileName: "egret.png", ContentType: "image/png"})
	require.NoError(t, err)
	assert.Contains(t, upload.Key, "media-files/anonymous/egret_")

	_, err = fx.service.RequestUpload(context.Background(), objectstore.UploadRequest{FileName: "x.exe", ContentType: "image/png", OwnerID: "bob"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	counts := fx.metrics.Counts("uploads")
	assert.Equal(t, uint64(1), counts["presigned"])
	assert.Equal(t, uint64(1), counts["rejected"])
}

func TestRequestUploadWithoutAnonymousOwner(t *testing.T) {
	fx := newFixture(t)
	fx.service.anonymousOwner = ""
	_, err := fx.service.RequestUpload(context.Background(), objectstore.UploadRequest{FileName: "a.png", ContentType: "image/png"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestRecordObjectCreatedRegistersAndDispatches(t *testing.T) {
	fx := newFixture(t)
	record := fx.upload(t, "alice", "robin_20240101_000000_id.jpg")

	assert.Equal(t, models.StatusPending, record.Status)
	assert.Equal(t, "alice", record.OwnerID)
	assert.Equal(t, "image/jpeg", record.ContentType)
	assert.Equal(t, fx.objects.PublicURL(record.Key), record.URL)
	assert.Equal(t, []detection.Job{{URL: record.URL, Key: record.Key}}, fx.dispatcher.dispatched())

	again, err := fx.service.RecordObjectCreated(context.Background(), ObjectCreated{Key: record.Key})
	require.NoError(t, err)
	assert.Equal(t, record.URL, again.URL)
	assert.Len(t, fx.dispatcher.dispatched(), 2, "pending records are dispatched again")

	fx.tag(t, record.URL, models.SpeciesCounts{"robin": 1})
	_, err = fx.service.RecordObjectCreated(context.Background(), ObjectCreated{Key: record.Key})
	require.NoError(t, err)
	assert.Len(t, fx.dispatcher.dispatched(), 2, "done records are not dispatched")
}

func TestRecordObjectCreatedValidatesKeys(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.RecordObjectCreated(context.Background(), ObjectCreated{Key: "thumbnails/alice/x-thumb.jpg"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = fx.service.RecordObjectCreated(context.Background(), ObjectCreated{Key: "media-files/alice/notes.txt"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	record, err := fx.service.RecordObjectCreated(context.Background(), ObjectCreated{Key: "media-files/alice/blob", ContentType: "video/mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.KindVideo, record.Kind)
}

func TestRecordObjectCreatedKeepsRecordWhenDispatchFails(t *testing.T) {
	fx := newFixture(t)
	fx.dispatcher.err = models.ErrUpstreamUnavailable

	record := fx.upload(t, "alice", "owl.png")
	stored, err := fx.service.Lookup(context.Background(), record.URL)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	fx.dispatcher.err = nil
	queued, err := fx.service.RequeuePending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestLookupPendingThenTagged(t *testing.T) {
	fx := newFixture(t)
	record := fx.upload(t, "alice", "heron.mp4")

	pending, err := fx.service.Lookup(context.Background(), record.URL)
	require.NoError(t, err)
	assert.False(t, pending.Ready())
	assert.Empty(t, pending.Tags)

	fx.tag(t, record.URL, models.SpeciesCounts{"heron": 2, "unknown": 1})

	tagged, err := fx.service.Lookup(context.Background(), record.URL)
	require.NoError(t, err)
	assert.True(t, tagged.Ready())
	assert.Equal(t, models.SpeciesCounts{"heron": 2}, tagged.Tags)

	_, err = fx.service.Lookup(context.Background(), record.URL+"-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = fx.service.Lookup(context.Background(), " ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSearchThresholdsAcrossRecords(t *testing.T) {
	fx := newFixture(t)
	a := fx.upload(t, "alice", "a.jpg")
	b := fx.upload(t, "alice", "b.jpg")
	c := fx.upload(t, "bob", "c.jpg")
	fx.tag(t, a.URL, models.SpeciesCounts{"crow": 3, "pigeon": 2})
	fx.tag(t, b.URL, models.SpeciesCounts{"crow": 1})
	fx.tag(t, c.URL, models.SpeciesCounts{"pigeon": 5})

	links, err := fx.service.Search(context.Background(), models.SearchPredicate{"crow": 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.URL, b.URL}, links)

	links, err = fx.service.Search(context.Background(), models.SearchPredicate{"crow": 2, "pigeon": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{a.URL}, links)

	links, err = fx.service.Search(context.Background(), models.SearchPredicate{"eagle": 1})
	require.NoError(t, err)
	assert.NotNil(t, links)
	assert.Empty(t, links)

	_, err = fx.service.Search(context.Background(), models.SearchPredicate{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestEditTagsAddThenRemove(t *testing.T) {
	fx := newFixture(t)
	record := fx.upload(t, "alice", "crow.jpg")
	fx.tag(t, record.URL, models.SpeciesCounts{"crow": 1})

	updated, err := fx.service.EditTags(context.Background(), []string{record.URL}, tagging.Add, []string{"crow,2"})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, models.SpeciesCounts{"crow": 3}, updated[0].Tags)

	updated, err = fx.service.EditTags(context.Background(), []string{record.URL}, tagging.Remove, []string{"crow, 3"})
	require.NoError(t, err)
	assert.Empty(t, updated[0].Tags)

	assert.Equal(t, uint64(1), fx.metrics.Counts("tag_mutations")["add"])
	assert.Equal(t, uint64(1), fx.metrics.Counts("tag_mutations")["remove"])
}

func TestEditTagsResolvesThumbnailsAndDeduplicates(t *testing.T) {
	fx := newFixture(t)
	record := fx.upload(t, "alice", "wren.png")
	thumbURL := fx.objects.PublicURL(fx.objects.ThumbnailKey(record.Key))
	_, err := fx.repo.SetThumbnail(context.Background(), record.URL, thumbURL)
	require.NoError(t, err)

	updated, err := fx.service.EditTags(context.Background(), []string{thumbURL, record.URL}, tagging.Add, []string{"wren,1"})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, models.SpeciesCounts{"wren": 1}, updated[0].Tags)
}

func TestEditTagsIsAllOrNothingUpFront(t *testing.T) {
	fx := newFixture(t)
	record := fx.upload(t, "alice", "gull.jpg")
	fx.tag(t, record.URL, models.SpeciesCounts{"gull": 1})

	_, err := fx.service.EditTags(context.Background(), []string{record.URL, "https://elsewhere/unknown.jpg"}, tagging.Add, []string{"gull,1"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = fx.service.EditTags(context.Background(), []string{record.URL}, tagging.Add, []string{"gull,1", "tern,zero"})
	assert.ErrorIs(t, err, models.ErrMalformedDelta)

	_, err = fx.service.EditTags(context.Background(), nil, tagging.Add, []string{"gull,1"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = fx.service.EditTags(context.Background(), []string{record.URL}, tagging.Operation("swap"), []string{"gull,1"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	stored, err := fx.service.Lookup(context.Background(), record.URL)
	require.NoError(t, err)
	assert.Equal(t, models.SpeciesCounts{"gull": 1}, stored.Tags)
}

func TestDeleteReportsExactlyDeletedURLs(t *testing.T) {
	fx := newFixture(t)
	a := fx.upload(t, "alice", "a.jpg")
	b := fx.upload(t, "alice", "b.png")
	thumbKey := fx.objects.ThumbnailKey(b.Key)
	fx.stub.Put("birds", thumbKey, "image/jpeg", []byte("thumb"))
	thumbURL := fx.objects.PublicURL(thumbKey)
	_, err := fx.repo.SetThumbnail(context.Background(), b.URL, thumbURL)
	require.NoError(t, err)

	missing := "https://elsewhere/missing.jpg"
	deleted, err := fx.service.Delete(context.Background(), []string{missing, a.URL, thumbURL, a.URL})
	require.NoError(t, err)
	assert.Equal(t, []string{a.URL, thumbURL}, deleted)

	for _, key := range []string{a.Key, b.Key, thumbKey} {
		_, _, ok := fx.stub.Get("birds", key)
		assert.False(t, ok, "object %s removed", key)
	}
	_, err = fx.service.Lookup(context.Background(), b.URL)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, uint64(2), fx.metrics.Counts("deletions")["deleted"])
	assert.Equal(t, uint64(1), fx.metrics.Counts("deletions")["skipped"])

	_, err = fx.service.Delete(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

type unreachableBucket struct {
	ObjectStore
}

func (unreachableBucket) Delete(context.Context, string) error {
	return errors.New("bucket unreachable")
}

func TestDeleteDropsRecordEvenWhenObjectDeleteFails(t *testing.T) {
	fx := newFixture(t)
	record := fx.upload(t, "alice", "heron.jpg")
	fx.service.objects = unreachableBucket{ObjectStore: fx.objects}

	deleted, err := fx.service.Delete(context.Background(), []string{record.URL})
	require.NoError(t, err)
	assert.Equal(t, []string{record.URL}, deleted)

	_, err = fx.repo.GetByURL(context.Background(), record.URL)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, _, ok := fx.stub.Get("birds", record.Key)
	assert.True(t, ok, "bytes stay behind as an orphan")
}

func TestDeleteManyInParallel(t *testing.T) {
	fx := newFixture(t)
	fx.service.parallelism = 3
	var urls []string
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg", "6.jpg", "7.jpg"} {
		urls = append(urls, fx.upload(t, "carol", name).URL)
	}

	deleted, err := fx.service.Delete(context.Background(), urls)
	require.NoError(t, err)
	assert.Equal(t, urls, deleted)

	gallery, err := fx.service.Gallery(context.Background(), "carol")
	require.NoError(t, err)
	assert.NotNil(t, gallery)
	assert.Empty(t, gallery)
}

func TestRecordDetectionDropsWritesForUnknownMedia(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.RecordDetection(context.Background(), "https://elsewhere/none.jpg", models.SpeciesCounts{"crow": 1})
	assert.ErrorIs(t, err, models.ErrNotFound)

	record := fx.upload(t, "alice", "kite.jpg")
	_, err = fx.service.RecordDetection(context.Background(), record.URL, models.SpeciesCounts{"kite": -1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	events, _ := fx.metrics.DetectionCounts()
	assert.Equal(t, uint64(1), events[metrics.DetectionJobLabel{Driver: "webhook", Status: "dropped"}])
}

func TestGalleryListsOwnerRecordsNewestFirst(t *testing.T) {
	fx := newFixture(t)
	fx.upload(t, "dave", "first.jpg")
	fx.upload(t, "erin", "other.jpg")
	second := fx.upload(t, "dave", "second.jpg")

	gallery, err := fx.service.Gallery(context.Background(), "dave")
	require.NoError(t, err)
	require.Len(t, gallery, 2)
	assert.Equal(t, second.URL, gallery[0].URL)

	_, err = fx.service.Gallery(context.Background(), "../etc")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

type pingDispatcher struct {
	recordingDispatcher
	err error
}

func (d *pingDispatcher) Ping(context.Context) error { return d.err }

func TestHealthReportsEveryDependency(t *testing.T) {
	fx := newFixture(t)
	checks := fx.service.Health(context.Background())
	require.Len(t, checks, 3)
	assert.True(t, Healthy(checks))

	fx.service.dispatcher = &pingDispatcher{err: errors.New("redis down")}
	checks = fx.service.Health(context.Background())
	assert.False(t, Healthy(checks))
	assert.Equal(t, "queue", checks[2].Component)
	assert.Equal(t, "redis down", checks[2].Error)

	fx.service.dispatcher = nil
	checks = fx.service.Health(context.Background())
	assert.Equal(t, "disabled", checks[2].Status)
	assert.True(t, Healthy(checks))
}
