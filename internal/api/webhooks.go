package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"birdnest/internal/catalog"
	"birdnest/internal/models"
	"birdnest/internal/observability/logging"
)

// s3Event is the subset of an S3 (or MinIO) event notification the catalog
// reads. Object keys arrive URL-encoded.
type s3Event struct {
	Records []s3EventRecord `json:"Records"`
}

type s3EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Object struct {
			Key         string `json:"key"`
			Size        int64  `json:"size"`
			ContentType string `json:"contentType"`
		} `json:"object"`
	} `json:"s3"`
}

// webhookAuthorized compares the presented token with the configured one in
// constant time. Tokens are read from X-Webhook-Token or the Authorization
// header, with or without a Bearer prefix.
func (h *Handler) webhookAuthorized(r *http.Request) bool {
	if h.webhookToken == "" {
		return false
	}
	presented := strings.TrimSpace(r.Header.Get("X-Webhook-Token"))
	if presented == "" {
		presented = ExtractToken(r)
	}
	if presented == "" {
		presented = strings.TrimSpace(r.Header.Get("Authorization"))
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.webhookToken)) == 1
}

// ObjectCreated receives the object store's write notifications. When no
// webhook token is configured the endpoint is open.
func (h *Handler) ObjectCreated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if h.webhookToken != "" && !h.webhookAuthorized(r) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid webhook token"))
		return
	}
	var event s3Event
	if err := decodeJSON(w, r, &event); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	logger := logging.WithContext(r.Context(), h.logger)
	accepted := make([]string, 0, len(event.Records))
	skipped := make([]string, 0)
	for _, record := range event.Records {
		if record.EventName != "" && !strings.Contains(record.EventName, "ObjectCreated") {
			continue
		}
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			key = record.S3.Object.Key
		}
		_, err = h.Catalog.RecordObjectCreated(r.Context(), catalog.ObjectCreated{
			Key:         key,
			ContentType: record.S3.Object.ContentType,
			Size:        record.S3.Object.Size,
		})
		if errors.Is(err, models.ErrInvalidInput) {
			logger.Warn("object notification skipped", "key", key, "error", err)
			skipped = append(skipped, key)
			continue
		}
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		accepted = append(accepted, key)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"accepted": accepted, "skipped": skipped})
}

type detectionRequest struct {
	URL  string               `json:"s3_url"`
	Tags models.SpeciesCounts `json:"tags"`
}

// Detections lets an external detector write counts directly. It requires
// the webhook token.
func (h *Handler) Detections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if !h.webhookAuthorized(r) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid webhook token"))
		return
	}
	var req detectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	record, err := h.Catalog.RecordDetection(r.Context(), req.URL, req.Tags)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}
