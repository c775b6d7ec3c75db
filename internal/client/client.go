// Package client is a Go client for the birdnest HTTP API. It wraps every
// route, uploads through presigned URLs and polls for detection results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"birdnest/internal/models"
	"birdnest/internal/objectstore"
	"birdnest/internal/polling"
	"birdnest/internal/tagging"
)

type Config struct {
	BaseURL string
	// Token is sent as a bearer token on every API call.
	Token string
	// UserID is sent as the userId query parameter on owner-scoped calls.
	UserID       string
	WebhookToken string
	Timeout      time.Duration
	Polling      polling.Policy
	HTTPClient   *http.Client
}

type Client struct {
	baseURL      string
	token        string
	userID       string
	webhookToken string
	policy       polling.Policy
	http         *http.Client
}

// Record is a tag record as the API renders it.
type Record struct {
	models.TagRecord
	DetectedSpeciesList []string `json:"detected_species_list"`
}

type HealthCheck struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type HealthReport struct {
	Status   string        `json:"status"`
	Services []HealthCheck `json:"services"`
}

// APIError is a non-2xx answer from the API. It unwraps to the matching
// models sentinel so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("birdnest api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("birdnest api: %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return models.ErrInvalidInput
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return models.ErrUpstreamUnavailable
	default:
		return nil
	}
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:      base,
		token:        strings.TrimSpace(cfg.Token),
		userID:       strings.TrimSpace(cfg.UserID),
		webhookToken: strings.TrimSpace(cfg.WebhookToken),
		policy:       cfg.Polling.Normalize(),
		http:         httpClient,
	}, nil
}

// RequestUpload asks the API for a presigned PUT.
func (c *Client) RequestUpload(ctx context.Context, fileName, contentType string, size int64) (objectstore.PresignedUpload, error) {
	query := url.Values{}
	query.Set("fileName", fileName)
	query.Set("fileType", contentType)
	if size > 0 {
		query.Set("fileSize", strconv.FormatInt(size, 10))
	}
	c.addOwner(query)
	var upload objectstore.PresignedUpload
	err := c.call(ctx, http.MethodPost, "/upload?"+query.Encode(), nil, &upload, "")
	return upload, err
}

// PutObject sends body straight to the object store through upload.
func (c *Client) PutObject(ctx context.Context, upload objectstore.PresignedUpload, body io.Reader, size int64) error {
	method := upload.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, upload.UploadURL, body)
	if err != nil {
		return err
	}
	for key, value := range upload.Headers {
		req.Header.Set(key, value)
	}
	if size > 0 {
		req.ContentLength = size
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("put object: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}

// Upload presigns and uploads body in one step.
func (c *Client) Upload(ctx context.Context, fileName, contentType string, body []byte) (objectstore.PresignedUpload, error) {
	upload, err := c.RequestUpload(ctx, fileName, contentType, int64(len(body)))
	if err != nil {
		return objectstore.PresignedUpload{}, err
	}
	if err := c.PutObject(ctx, upload, bytes.NewReader(body), int64(len(body))); err != nil {
		return upload, err
	}
	return upload, nil
}

func (c *Client) Lookup(ctx context.Context, mediaURL string) (Record, error) {
	var record Record
	err := c.call(ctx, http.MethodPost, "/search/file", map[string]string{"s3_url": mediaURL}, &record, "")
	return record, err
}

func (c *Client) LookupThumbnail(ctx context.Context, thumbnailURL string) (models.ThumbnailLink, error) {
	var link models.ThumbnailLink
	err := c.call(ctx, http.MethodPost, "/search/thumbnail", map[string]string{"thumbnail_url": thumbnailURL}, &link, "")
	return link, err
}

// Search returns media URLs whose tags meet every threshold in predicate.
func (c *Client) Search(ctx context.Context, predicate models.SearchPredicate) ([]string, error) {
	var resp struct {
		Links []string `json:"links"`
	}
	err := c.call(ctx, http.MethodPost, "/search/tags", map[string]any{"tags": predicate}, &resp, "")
	return resp.Links, err
}

// EditTags applies "species,count" deltas to every URL and returns the
// media URLs that changed.
func (c *Client) EditTags(ctx context.Context, urls []string, op tagging.Operation, deltas []string) ([]string, error) {
	var resp struct {
		Updated []string `json:"updated"`
	}
	payload := map[string]any{"urls": urls, "operation": op, "tags": deltas}
	err := c.call(ctx, http.MethodPut, "/search/tags", payload, &resp, "")
	return resp.Updated, err
}

// UpdateTags moves mediaURL from old to updated with at most one add and one
// remove call.
func (c *Client) UpdateTags(ctx context.Context, mediaURL string, old, updated models.SpeciesCounts) error {
	additions, removals := tagging.ComputeDiff(old, updated)
	if len(additions) > 0 {
		if _, err := c.EditTags(ctx, []string{mediaURL}, tagging.Add, additions); err != nil {
			return fmt.Errorf("add tags: %w", err)
		}
	}
	if len(removals) > 0 {
		if _, err := c.EditTags(ctx, []string{mediaURL}, tagging.Remove, removals); err != nil {
			return fmt.Errorf("remove tags: %w", err)
		}
	}
	return nil
}

// Delete removes the media behind urls and returns the ones that existed.
func (c *Client) Delete(ctx context.Context, urls []string) ([]string, error) {
	var resp struct {
		Deleted []string `json:"deleted"`
	}
	err := c.call(ctx, http.MethodDelete, "/search/file", map[string][]string{"urls": urls}, &resp, "")
	return resp.Deleted, err
}

// Gallery lists the caller's records, newest first.
func (c *Client) Gallery(ctx context.Context) ([]Record, error) {
	query := url.Values{}
	c.addOwner(query)
	path := "/gallery"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var records []Record
	err := c.call(ctx, http.MethodGet, path, nil, &records, "")
	return records, err
}

// Health returns the dependency report. A degraded server still yields a
// report alongside the error.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	err := c.call(ctx, http.MethodGet, "/healthz", nil, &report, "")
	return report, err
}

// NotifyObjectCreated replays a bucket notification for key. It is meant for
// stores that cannot deliver notifications themselves.
func (c *Client) NotifyObjectCreated(ctx context.Context, key, contentType string, size int64) error {
	event := map[string]any{
		"Records": []map[string]any{{
			"eventName": "ObjectCreated:Put",
			"s3": map[string]any{
				"object": map[string]any{
					"key":         url.QueryEscape(key),
					"size":        size,
					"contentType": contentType,
				},
			},
		}},
	}
	var resp struct {
		Accepted []string `json:"accepted"`
		Skipped  []string `json:"skipped"`
	}
	if err := c.call(ctx, http.MethodPost, "/events/object-created", event, &resp, c.webhookToken); err != nil {
		return err
	}
	if len(resp.Accepted) == 0 {
		return fmt.Errorf("%w: key %q was skipped", models.ErrInvalidInput, key)
	}
	return nil
}

// RecordDetection writes counts for mediaURL as an external detector would.
func (c *Client) RecordDetection(ctx context.Context, mediaURL string, counts models.SpeciesCounts) (Record, error) {
	var record Record
	payload := map[string]any{"s3_url": mediaURL, "tags": counts}
	err := c.call(ctx, http.MethodPost, "/detections", payload, &record, c.webhookToken)
	return record, err
}

// AwaitTags polls Lookup until detection finishes for mediaURL. A record
// that is missing or still pending counts as not ready. Unavailable or
// throttled answers and transport failures are retried, honouring any
// Retry-After. On timeout the last record seen is returned with an error
// wrapping polling.ErrDetectionTimeout.
func (c *Client) AwaitTags(ctx context.Context, mediaURL string) (Record, error) {
	return polling.Await(ctx, c.policy, func(ctx context.Context) (Record, bool, error) {
		record, err := c.Lookup(ctx, mediaURL)
		if errors.Is(err, models.ErrNotFound) {
			return Record{}, false, nil
		}
		if err != nil {
			if wait, ok := retryable(ctx, err); ok {
				return Record{}, false, polling.Transient(err, wait)
			}
			return Record{}, false, err
		}
		return record, record.Status == models.StatusDone, nil
	})
}

// retryable reports whether err is worth another poll and how long the
// server asked the caller to wait.
func retryable(ctx context.Context, err error) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter, errors.Is(err, models.ErrUpstreamUnavailable)
	}
	var urlErr *url.Error
	return 0, errors.As(err, &urlErr)
}

func (c *Client) addOwner(query url.Values) {
	if c.userID != "" {
		query.Set("userId", c.userID)
	}
}

func (c *Client) call(ctx context.Context, method, path string, payload, dest any, webhookToken string) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if webhookToken != "" {
		req.Header.Set("X-Webhook-Token", webhookToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp, dest)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeAPIError builds an APIError. Health reports arrive with a 503 and
// are still decoded into dest.
func decodeAPIError(resp *http.Response, dest any) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		apiErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	if dest != nil && resp.StatusCode == http.StatusServiceUnavailable {
		_ = json.Unmarshal(data, dest)
	}
	return apiErr
}
