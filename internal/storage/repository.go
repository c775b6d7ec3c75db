package storage

import (
	"context"

	"birdnest/internal/models"
	"birdnest/internal/tagging"
)

// Repository is the metadata store for catalogued media. Every driver
// serializes UpsertTags and ApplyDelta per record while leaving writes to
// different records independent.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// RegisterObject records a newly stored object with a pending tag record.
	// Registering an already known URL returns the existing record.
	RegisterObject(ctx context.Context, object models.MediaObject) (models.TagRecord, error)
	// SetThumbnail links a thumbnail URL to an existing record.
	SetThumbnail(ctx context.Context, url, thumbnailURL string) (models.TagRecord, error)

	GetByURL(ctx context.Context, url string) (models.TagRecord, error)
	GetByThumbnail(ctx context.Context, thumbnailURL string) (models.ThumbnailLink, error)
	// Search returns the primary URLs of every record satisfying the
	// predicate, sorted lexically.
	Search(ctx context.Context, predicate models.SearchPredicate) ([]string, error)
	// ListByOwner returns the owner's records, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]models.TagRecord, error)
	// ListPending returns up to limit records still awaiting detection,
	// oldest first.
	ListPending(ctx context.Context, limit int) ([]models.TagRecord, error)
	// ListAll returns every record, oldest first.
	ListAll(ctx context.Context) ([]models.TagRecord, error)

	// UpsertTags replaces the record's counts wholesale and marks it done.
	// It fails with models.ErrNotFound when the object is not registered.
	UpsertTags(ctx context.Context, url string, tags models.SpeciesCounts) (models.TagRecord, error)
	// ApplyDelta applies every delta to one record or none of them.
	ApplyDelta(ctx context.Context, url string, op tagging.Operation, deltas []tagging.Delta) (models.TagRecord, error)
	// Delete removes the object and its tag record, returning the removed
	// object so callers can clean up stored bytes.
	Delete(ctx context.Context, url string) (models.MediaObject, error)
}
