package models

import (
	"sort"
	"time"
)

// MediaKind classifies a stored object.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Valid reports whether the kind is one the catalog stores.
func (k MediaKind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// TagStatus tracks whether detection has written a record's species counts.
type TagStatus string

const (
	StatusPending TagStatus = "pending"
	StatusDone    TagStatus = "done"
)

// SpeciesCounts maps a species name to the number of sightings. Every count
// held by a stored record is at least one.
type SpeciesCounts map[string]int

// Clone returns an independent copy. A nil map clones to an empty map.
func (c SpeciesCounts) Clone() SpeciesCounts {
	out := make(SpeciesCounts, len(c))
	for species, count := range c {
		out[species] = count
	}
	return out
}

// Species returns the species names in lexical order.
func (c SpeciesCounts) Species() []string {
	names := make([]string, 0, len(c))
	for species := range c {
		names = append(names, species)
	}
	sort.Strings(names)
	return names
}

// MediaObject is a stored file registered with the catalog.
type MediaObject struct {
	Key          string    `json:"key"`
	OwnerID      string    `json:"owner_id"`
	URL          string    `json:"s3_url"`
	ThumbnailURL string    `json:"thumbnail_s3_url,omitempty"`
	Kind         MediaKind `json:"file_type"`
	ContentType  string    `json:"content_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TagRecord is the species-count record attached to a MediaObject together
// with the object's metadata.
type TagRecord struct {
	MediaObject
	Tags      SpeciesCounts `json:"tags"`
	Status    TagStatus     `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Ready reports whether detection has completed for the record.
func (r TagRecord) Ready() bool {
	return r.Status == StatusDone || len(r.Tags) > 0
}

// ThumbnailLink resolves a thumbnail URL to the media it was generated from.
type ThumbnailLink struct {
	ThumbnailURL string `json:"thumbnail_s3_url"`
	URL          string `json:"s3_url"`
}

// SearchPredicate maps species to the minimum count a record must carry.
type SearchPredicate map[string]int
