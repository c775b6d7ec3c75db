package objectstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"birdnest/internal/models"
)

const (
	// DefaultMaxUploadBytes is the ceiling enforced on declared upload sizes.
	DefaultMaxUploadBytes int64 = 50 * 1024 * 1024

	maxBaseNameLength = 50
	thumbnailSuffix   = "-thumb.jpg"
)

var imageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",
}

var videoTypes = map[string]string{
	"video/mp4":       ".mp4",
	"video/avi":       ".avi",
	"video/mov":       ".mov",
	"video/quicktime": ".mov",
	"video/wmv":       ".wmv",
	"video/flv":       ".flv",
}

// contentTypeByExtension is the canonical MIME type for each stored extension.
var contentTypeByExtension = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".avi":  "video/avi",
	".mov":  "video/quicktime",
	".wmv":  "video/wmv",
	".flv":  "video/flv",
}

var blockedExtensions = []string{".exe", ".bat", ".sh", ".cmd", ".scr", ".vbs", ".js"}

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)

// KindForContentType maps an allowed MIME type to its media kind.
func KindForContentType(contentType string) (models.MediaKind, bool) {
	ct := normalizeContentType(contentType)
	if _, ok := imageTypes[ct]; ok {
		return models.KindImage, true
	}
	if _, ok := videoTypes[ct]; ok {
		return models.KindVideo, true
	}
	return "", false
}

// KindForKey infers the media kind and content type of a stored key from its
// extension.
func KindForKey(key string) (models.MediaKind, string, bool) {
	contentType, ok := contentTypeByExtension[strings.ToLower(path.Ext(key))]
	if !ok {
		return "", "", false
	}
	kind, ok := KindForContentType(contentType)
	return kind, contentType, ok
}

func normalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct
}

func extensionFor(contentType, fileName string) string {
	ct := normalizeContentType(contentType)
	if ext, ok := imageTypes[ct]; ok {
		return ext
	}
	if ext, ok := videoTypes[ct]; ok {
		return ext
	}
	return strings.ToLower(path.Ext(fileName))
}

// ValidateOwner checks that an owner id is safe to embed in an object key.
func ValidateOwner(ownerID string) (string, error) {
	owner := strings.TrimSpace(ownerID)
	if !ownerPattern.MatchString(owner) {
		return "", fmt.Errorf("%w: invalid owner id %q", models.ErrInvalidInput, ownerID)
	}
	return owner, nil
}

// UploadRequest describes a file the client intends to PUT.
type UploadRequest struct {
	FileName    string
	ContentType string
	OwnerID     string
	// Size is the declared byte length; zero means undeclared.
	Size int64
}

// Validate checks the request against the upload policy and returns the
// media kind it will be stored as.
func (r UploadRequest) Validate(maxBytes int64) (models.MediaKind, error) {
	name := strings.TrimSpace(r.FileName)
	if name == "" {
		return "", fmt.Errorf("%w: fileName is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(r.ContentType) == "" {
		return "", fmt.Errorf("%w: fileType is required", models.ErrInvalidInput)
	}
	lower := strings.ToLower(name)
	for _, ext := range blockedExtensions {
		if strings.HasSuffix(lower, ext) {
			return "", fmt.Errorf("%w: file extension %s is not allowed", models.ErrInvalidInput, ext)
		}
	}
	kind, ok := KindForContentType(r.ContentType)
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", models.ErrInvalidInput, r.ContentType)
	}
	if r.Size < 0 {
		return "", fmt.Errorf("%w: fileSize must not be negative", models.ErrInvalidInput)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if r.Size > maxBytes {
		return "", fmt.Errorf("%w: file size %d exceeds %d bytes", models.ErrInvalidInput, r.Size, maxBytes)
	}
	return kind, nil
}

func sanitizeBase(fileName string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if idx := strings.Index(base, "."); idx >= 0 {
		base = base[:idx]
	}
	var b strings.Builder
	for _, r := range base {
		if b.Len() >= maxBaseNameLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}

// MediaKey builds media-files/<owner>/<base>_<YYYYmmdd_HHMMSS>_<id><ext>.
func MediaKey(prefix, owner, fileName, contentType, id string, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%s%s", sanitizeBase(fileName), now.UTC().Format("20060102_150405"), id, extensionFor(contentType, fileName))
	return path.Join(prefix, owner, name)
}

// ThumbnailKey maps a media key to its thumbnail key under thumbPrefix.
func ThumbnailKey(mediaPrefix, thumbPrefix, mediaKey string) string {
	rel := strings.TrimPrefix(mediaKey, strings.Trim(mediaPrefix, "/")+"/")
	dir, file := path.Split(rel)
	if ext := path.Ext(file); ext != "" {
		file = strings.TrimSuffix(file, ext)
	}
	return path.Join(thumbPrefix, dir, file+thumbnailSuffix)
}

// OwnerFromKey extracts the owner segment of a media key.
func OwnerFromKey(mediaPrefix, key string) (string, bool) {
	prefix := strings.Trim(mediaPrefix, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", false
	}
	return rest[:idx], true
}
