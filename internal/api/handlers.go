package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"birdnest/internal/catalog"
	"birdnest/internal/models"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/logging"
	"birdnest/internal/tagging"
)

// Options carries the optional collaborators of a Handler.
type Options struct {
	Identity     *Identity
	WebhookToken string
	Logger       *slog.Logger
}

type Handler struct {
	Catalog      *catalog.Service
	identity     *Identity
	webhookToken string
	logger       *slog.Logger
}

func NewHandler(svc *catalog.Service, opts Options) *Handler {
	identity := opts.Identity
	if identity == nil {
		identity = NewIdentity(IdentityConfig{AllowQueryIdentity: true})
	}
	return &Handler{
		Catalog:      svc,
		identity:     identity,
		webhookToken: strings.TrimSpace(opts.WebhookToken),
		logger:       componentLogger(opts.Logger),
	}
}

type recordResponse struct {
	models.TagRecord
	DetectedSpeciesList []string `json:"detected_species_list"`
}

func newRecordResponse(record models.TagRecord) recordResponse {
	record.Tags = record.Tags.Clone()
	return recordResponse{TagRecord: record, DetectedSpeciesList: record.Tags.Species()}
}

func newRecordResponses(records []models.TagRecord) []recordResponse {
	out := make([]recordResponse, 0, len(records))
	for _, record := range records {
		out = append(out, newRecordResponse(record))
	}
	return out
}

// Upload issues a presigned PUT for the file described by the query string.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	owner, err := h.identity.Owner(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	query := r.URL.Query()
	req := objectstore.UploadRequest{
		FileName:    strings.TrimSpace(query.Get("fileName")),
		ContentType: strings.TrimSpace(query.Get("fileType")),
		OwnerID:     owner,
	}
	if raw := strings.TrimSpace(query.Get("fileSize")); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("fileSize must be an integer"))
			return
		}
		req.Size = size
	}
	upload, err := h.Catalog.RequestUpload(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

type searchTagsRequest struct {
	Tags models.SearchPredicate `json:"tags"`
}

type editTagsRequest struct {
	URLs      []string          `json:"urls"`
	Operation tagging.Operation `json:"operation"`
	Tags      []string          `json:"tags"`
}

// SearchTags serves the tag-threshold search (POST) and tag edits (PUT).
func (h *Handler) SearchTags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req searchTagsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		links, err := h.Catalog.Search(r.Context(), req.Tags)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"links": links})
	case http.MethodPut:
		var req editTagsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		records, err := h.Catalog.EditTags(r.Context(), req.URLs, req.Operation, req.Tags)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		updated := make([]string, 0, len(records))
		for _, record := range records {
			updated = append(updated, record.URL)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": fmt.Sprintf("tags updated on %d file(s)", len(records)),
			"updated": updated,
		})
	default:
		methodNotAllowed(w, r, "POST, PUT")
	}
}

type thumbnailRequest struct {
	ThumbnailURL string `json:"thumbnail_url"`
}

// SearchThumbnail resolves a thumbnail URL to its media URL.
func (h *Handler) SearchThumbnail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req thumbnailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	link, err := h.Catalog.LookupThumbnail(r.Context(), req.ThumbnailURL)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

type fileRequest struct {
	URL string `json:"s3_url"`
}

type deleteRequest struct {
	URLs []string `json:"urls"`
}

// SearchFile serves record lookup (POST) and bulk delete (DELETE).
func (h *Handler) SearchFile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req fileRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		record, err := h.Catalog.Lookup(r.Context(), req.URL)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newRecordResponse(record))
	case http.MethodDelete:
		var req deleteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		deleted, err := h.Catalog.Delete(r.Context(), req.URLs)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
	default:
		methodNotAllowed(w, r, "POST, DELETE")
	}
}

// Gallery lists the caller's media, newest first.
func (h *Handler) Gallery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	owner, err := h.identity.Owner(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if owner == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("userId or a bearer token is required"))
		return
	}
	ctx := logging.ContextWithOwnerID(r.Context(), owner)
	records, err := h.Catalog.Gallery(ctx, owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponses(records))
}

// Health reports dependency status; any failing dependency makes it 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	checks := h.Catalog.Health(r.Context())
	status, code := "ok", http.StatusOK
	if !catalog.Healthy(checks) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": checks,
	})
}
