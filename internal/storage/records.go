package storage

import (
	"fmt"
	"strings"
	"time"

	"birdnest/internal/models"
)

const defaultPendingLimit = 100

func normalizeObject(object models.MediaObject, now time.Time) (models.MediaObject, error) {
	object.URL = strings.TrimSpace(object.URL)
	object.Key = strings.TrimSpace(object.Key)
	object.OwnerID = strings.TrimSpace(object.OwnerID)
	object.ThumbnailURL = strings.TrimSpace(object.ThumbnailURL)
	object.ContentType = strings.TrimSpace(object.ContentType)
	switch {
	case object.URL == "":
		return models.MediaObject{}, fmt.Errorf("%w: media url is required", models.ErrInvalidInput)
	case object.Key == "":
		return models.MediaObject{}, fmt.Errorf("%w: object key is required", models.ErrInvalidInput)
	case object.OwnerID == "":
		return models.MediaObject{}, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	case !object.Kind.Valid():
		return models.MediaObject{}, fmt.Errorf("%w: unsupported media kind %q", models.ErrInvalidInput, object.Kind)
	}
	if object.CreatedAt.IsZero() {
		object.CreatedAt = now
	}
	object.CreatedAt = object.CreatedAt.UTC()
	return object, nil
}

func requireURL(url string) (string, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return "", fmt.Errorf("%w: url is required", models.ErrInvalidInput)
	}
	return trimmed, nil
}

func mediaNotFound(url string) error {
	return fmt.Errorf("%w: no media for %q", models.ErrNotFound, url)
}

func thumbnailNotFound(url string) error {
	return fmt.Errorf("%w: no media for thumbnail %q", models.ErrNotFound, url)
}

func pendingLimit(limit int) int {
	if limit <= 0 {
		return defaultPendingLimit
	}
	return limit
}
