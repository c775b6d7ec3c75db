package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"birdnest/internal/models"
	"birdnest/internal/tagging"
)

// RepositoryFactory constructs a repository for one driver so the same
// scenarios run against every backend.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

type steppingClock struct {
	mu   sync.Mutex
	next time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{next: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.next
	c.next = c.next.Add(time.Second)
	return current
}

func testObject(owner, name string) models.MediaObject {
	key := fmt.Sprintf("media-files/%s/%s.jpg", owner, name)
	return models.MediaObject{
		Key:         key,
		OwnerID:     owner,
		URL:         "https://birds.s3.amazonaws.com/" + key,
		Kind:        models.KindImage,
		ContentType: "image/jpeg",
	}
}

func mustRegister(t *testing.T, repo Repository, object models.MediaObject) models.TagRecord {
	t.Helper()
	record, err := repo.RegisterObject(context.Background(), object)
	if err != nil {
		t.Fatalf("RegisterObject(%s): %v", object.URL, err)
	}
	return record
}

func mustUpsert(t *testing.T, repo Repository, url string, tags models.SpeciesCounts) models.TagRecord {
	t.Helper()
	record, err := repo.UpsertTags(context.Background(), url, tags)
	if err != nil {
		t.Fatalf("UpsertTags(%s): %v", url, err)
	}
	return record
}

func mustDeltas(t *testing.T, raw ...string) []tagging.Delta {
	t.Helper()
	deltas, err := tagging.ParseDeltas(raw)
	if err != nil {
		t.Fatalf("ParseDeltas(%v): %v", raw, err)
	}
	return deltas
}

// RunRepositoryRegisterLifecycle checks registration idempotency and the
// pending to done transition.
func RunRepositoryRegisterLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	object := testObject("alice", "garden")

	record := mustRegister(t, repo, object)
	if record.Status != models.StatusPending {
		t.Fatalf("expected pending status, got %q", record.Status)
	}
	if len(record.Tags) != 0 {
		t.Fatalf("expected empty tags, got %v", record.Tags)
	}
	if record.Ready() {
		t.Fatal("fresh record should not be ready")
	}

	again := mustRegister(t, repo, object)
	if !again.CreatedAt.Equal(record.CreatedAt) || again.Key != record.Key {
		t.Fatalf("expected idempotent register, got %+v vs %+v", again, record)
	}

	done := mustUpsert(t, repo, object.URL, models.SpeciesCounts{})
	if done.Status != models.StatusDone || !done.Ready() {
		t.Fatalf("expected done record after empty detection, got %+v", done)
	}

	fetched, err := repo.GetByURL(ctx, object.URL)
	if err != nil {
		t.Fatalf("GetByURL: %v", err)
	}
	if fetched.Status != models.StatusDone || fetched.OwnerID != "alice" || fetched.Kind != models.KindImage {
		t.Fatalf("unexpected fetched record %+v", fetched)
	}

	if _, err := repo.GetByURL(ctx, "https://birds.s3.amazonaws.com/missing.jpg"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.RegisterObject(ctx, models.MediaObject{URL: "x"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for incomplete object, got %v", err)
	}
}

// RunRepositorySearchThresholds checks that every species in the predicate
// must meet its minimum.
func RunRepositorySearchThresholds(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	a := testObject("alice", "a")
	b := testObject("alice", "b")
	c := testObject("bob", "c")
	for _, object := range []models.MediaObject{a, b, c} {
		mustRegister(t, repo, object)
	}
	mustUpsert(t, repo, a.URL, models.SpeciesCounts{"crow": 2, "pigeon": 1})
	mustUpsert(t, repo, b.URL, models.SpeciesCounts{"crow": 1})
	mustUpsert(t, repo, c.URL, models.SpeciesCounts{"crow": 3, "pigeon": 2})

	cases := []struct {
		name      string
		predicate models.SearchPredicate
		want      []string
	}{
		{name: "single species", predicate: models.SearchPredicate{"crow": 2}, want: []string{a.URL, c.URL}},
		{name: "all species required", predicate: models.SearchPredicate{"crow": 1, "pigeon": 2}, want: []string{c.URL}},
		{name: "minimum one", predicate: models.SearchPredicate{"crow": 1}, want: []string{a.URL, b.URL, c.URL}},
		{name: "unknown species", predicate: models.SearchPredicate{"owl": 1}, want: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := repo.Search(ctx, tc.predicate)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Search(%v) = %v, want %v", tc.predicate, got, tc.want)
			}
		})
	}

	// A minimum beyond the count ceiling must not be narrowed by a driver.
	if _, err := repo.Search(ctx, models.SearchPredicate{"crow": 4294967297}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for out-of-range minimum, got %v", err)
	}
	if _, err := repo.Search(ctx, models.SearchPredicate{"crow": 0}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero minimum, got %v", err)
	}
}

// RunRepositoryApplyDelta walks an add then remove sequence down to zero.
func RunRepositoryApplyDelta(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	object := testObject("alice", "feeder")
	mustRegister(t, repo, object)
	mustUpsert(t, repo, object.URL, models.SpeciesCounts{"crow": 1})

	added, err := repo.ApplyDelta(ctx, object.URL, tagging.Add, mustDeltas(t, "crow,2", "magpie,1"))
	if err != nil {
		t.Fatalf("ApplyDelta add: %v", err)
	}
	if !reflect.DeepEqual(added.Tags, models.SpeciesCounts{"crow": 3, "magpie": 1}) {
		t.Fatalf("unexpected tags after add: %v", added.Tags)
	}

	removed, err := repo.ApplyDelta(ctx, object.URL, tagging.Remove, mustDeltas(t, "crow,3", "magpie,5"))
	if err != nil {
		t.Fatalf("ApplyDelta remove: %v", err)
	}
	if len(removed.Tags) != 0 {
		t.Fatalf("expected all species removed, got %v", removed.Tags)
	}

	urls, err := repo.Search(ctx, models.SearchPredicate{"crow": 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(urls) != 0 {
		t.Fatalf("expected no matches after removal, got %v", urls)
	}

	if _, err := repo.ApplyDelta(ctx, "https://birds.s3.amazonaws.com/none.jpg", tagging.Add, mustDeltas(t, "crow,1")); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown url, got %v", err)
	}

	mustUpsert(t, repo, object.URL, models.SpeciesCounts{"crow": tagging.MaxCount})
	if _, err := repo.ApplyDelta(ctx, object.URL, tagging.Add, mustDeltas(t, "crow,1")); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput past the count ceiling, got %v", err)
	}
	full, err := repo.GetByURL(ctx, object.URL)
	if err != nil {
		t.Fatalf("GetByURL: %v", err)
	}
	if full.Tags["crow"] != tagging.MaxCount {
		t.Fatalf("expected crow to stay at the ceiling, got %v", full.Tags)
	}
}

// RunRepositoryDeleteDropsLateWrites checks that deletion removes the
// record and its thumbnail link, and that a detection result arriving after
// the delete does not resurrect it.
func RunRepositoryDeleteDropsLateWrites(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	object := testObject("alice", "pond")
	thumb := "https://birds.s3.amazonaws.com/thumbnails/alice/pond-thumb.jpg"
	mustRegister(t, repo, object)
	if _, err := repo.SetThumbnail(ctx, object.URL, thumb); err != nil {
		t.Fatalf("SetThumbnail: %v", err)
	}

	deleted, err := repo.Delete(ctx, object.URL)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted.Key != object.Key || deleted.ThumbnailURL != thumb {
		t.Fatalf("unexpected deleted object %+v", deleted)
	}

	if _, err := repo.UpsertTags(ctx, object.URL, models.SpeciesCounts{"heron": 1}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for late write, got %v", err)
	}
	if _, err := repo.GetByURL(ctx, object.URL); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
	if _, err := repo.GetByThumbnail(ctx, thumb); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected thumbnail link gone, got %v", err)
	}
	if _, err := repo.Delete(ctx, object.URL); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected second delete to report ErrNotFound, got %v", err)
	}
}

// RunRepositoryThumbnails checks thumbnail resolution and uniqueness.
func RunRepositoryThumbnails(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	first := testObject("alice", "one")
	second := testObject("alice", "two")
	thumb := "https://birds.s3.amazonaws.com/thumbnails/alice/one-thumb.jpg"
	mustRegister(t, repo, first)
	mustRegister(t, repo, second)

	record, err := repo.SetThumbnail(ctx, first.URL, thumb)
	if err != nil {
		t.Fatalf("SetThumbnail: %v", err)
	}
	if record.ThumbnailURL != thumb {
		t.Fatalf("expected thumbnail %q, got %q", thumb, record.ThumbnailURL)
	}

	link, err := repo.GetByThumbnail(ctx, thumb)
	if err != nil {
		t.Fatalf("GetByThumbnail: %v", err)
	}
	if link.URL != first.URL || link.ThumbnailURL != thumb {
		t.Fatalf("unexpected link %+v", link)
	}

	if _, err := repo.SetThumbnail(ctx, second.URL, thumb); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for shared thumbnail, got %v", err)
	}
	if _, err := repo.SetThumbnail(ctx, "https://birds.s3.amazonaws.com/none.jpg", "https://t/x.jpg"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown media, got %v", err)
	}
}

// RunRepositoryListings checks owner and pending ordering.
func RunRepositoryListings(t *testing.T, factory RepositoryFactory) {
	clock := newSteppingClock()
	repo := runRepository(t, factory, WithClock(clock.Now))
	ctx := context.Background()

	first := mustRegister(t, repo, testObject("alice", "first"))
	second := mustRegister(t, repo, testObject("alice", "second"))
	third := mustRegister(t, repo, testObject("alice", "third"))
	mustRegister(t, repo, testObject("bob", "other"))
	mustUpsert(t, repo, second.URL, models.SpeciesCounts{"wren": 1})

	owned, err := repo.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	gotOwned := make([]string, 0, len(owned))
	for _, record := range owned {
		gotOwned = append(gotOwned, record.URL)
	}
	if want := []string{third.URL, second.URL, first.URL}; !reflect.DeepEqual(gotOwned, want) {
		t.Fatalf("ListByOwner order = %v, want %v", gotOwned, want)
	}
	if owned[1].Tags["wren"] != 1 {
		t.Fatalf("expected listed record to carry tags, got %v", owned[1].Tags)
	}

	pending, err := repo.ListPending(ctx, 2)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].URL != first.URL || pending[1].URL != third.URL {
		t.Fatalf("unexpected pending list %+v", pending)
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 4 || all[0].URL != first.URL || all[1].Status != models.StatusDone {
		t.Fatalf("unexpected full listing %+v", all)
	}

	if _, err := repo.ListByOwner(ctx, " "); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank owner, got %v", err)
	}
}

// RunRepositoryConcurrentDeltas checks that concurrent edits of one record
// never lose an update.
func RunRepositoryConcurrentDeltas(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	object := testObject("alice", "busy")
	mustRegister(t, repo, object)
	mustUpsert(t, repo, object.URL, models.SpeciesCounts{})

	const writers = 16
	deltas := mustDeltas(t, "sparrow,1")
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ApplyDelta(ctx, object.URL, tagging.Add, deltas); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ApplyDelta: %v", err)
	}

	record, err := repo.GetByURL(ctx, object.URL)
	if err != nil {
		t.Fatalf("GetByURL: %v", err)
	}
	if record.Tags["sparrow"] != writers {
		t.Fatalf("expected %d sparrows, got %d", writers, record.Tags["sparrow"])
	}
}

func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("RegisterLifecycle", func(t *testing.T) { RunRepositoryRegisterLifecycle(t, factory) })
	t.Run("SearchThresholds", func(t *testing.T) { RunRepositorySearchThresholds(t, factory) })
	t.Run("ApplyDelta", func(t *testing.T) { RunRepositoryApplyDelta(t, factory) })
	t.Run("DeleteDropsLateWrites", func(t *testing.T) { RunRepositoryDeleteDropsLateWrites(t, factory) })
	t.Run("Thumbnails", func(t *testing.T) { RunRepositoryThumbnails(t, factory) })
	t.Run("Listings", func(t *testing.T) { RunRepositoryListings(t, factory) })
	t.Run("ConcurrentDeltas", func(t *testing.T) { RunRepositoryConcurrentDeltas(t, factory) })
}
