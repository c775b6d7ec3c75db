// Package detection turns stored media into species-count tag records. A
// Pipeline runs one job end to end; a Processor or an asynq worker drives
// pipelines from a queue of object-created notifications.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"birdnest/internal/models"
	"birdnest/internal/tagging"
)

const (
	defaultDetectorTimeout = 60 * time.Second
	defaultMinConfidence   = 0.4
	maxDetectorResponse    = 4 << 20
	unknownSpecies         = "unknown"
)

// Input is one stored object handed to a Detector.
type Input struct {
	Key         string
	URL         string
	FileName    string
	ContentType string
	Kind        models.MediaKind
	Body        []byte
}

// Detector counts bird species in a media file.
type Detector interface {
	Detect(ctx context.Context, in Input) (models.SpeciesCounts, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, in Input) (models.SpeciesCounts, error)

func (f DetectorFunc) Detect(ctx context.Context, in Input) (models.SpeciesCounts, error) {
	return f(ctx, in)
}

// HTTPDetectorConfig points at an external detection service that accepts a
// multipart upload and answers with JSON.
type HTTPDetectorConfig struct {
	URL           string
	Token         string
	Timeout       time.Duration
	MinConfidence float64
	Client        *http.Client
}

// HTTPDetector posts media to a remote model.
type HTTPDetector struct {
	url           string
	token         string
	minConfidence float64
	client        *http.Client
}

// NewHTTPDetector validates cfg and returns a detector for it.
func NewHTTPDetector(cfg HTTPDetectorConfig) (*HTTPDetector, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, fmt.Errorf("detector url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDetectorTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}
	return &HTTPDetector{
		url:           target,
		token:         strings.TrimSpace(cfg.Token),
		minConfidence: minConfidence,
		client:        client,
	}, nil
}

// Detect uploads the media as the "file" form field and parses the reply.
func (d *HTTPDetector) Detect(ctx context.Context, in Input) (models.SpeciesCounts, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	name := in.FileName
	if name == "" {
		name = path.Base(in.Key)
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(in.Body); err != nil {
		return nil, err
	}
	if err := writer.WriteField("format", "json"); err != nil {
		return nil, err
	}
	if err := writer.WriteField("kind", string(in.Kind)); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, fmt.Errorf("build detector request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: detector request: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxDetectorResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read detector response: %v", models.ErrUpstreamUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: detector response status=%d", models.ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: detector rejected %s: status=%d", models.ErrInvalidInput, name, resp.StatusCode)
	}
	return ParseDetections(payload, d.minConfidence)
}

type detection struct {
	Class      string   `json:"class"`
	Species    string   `json:"species"`
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

func (d detection) name() string {
	for _, candidate := range []string{d.Class, d.Species, d.Label} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return unknownSpecies
}

type detectorResponse struct {
	SpeciesCounts map[string]int `json:"species_counts"`
	Tags          map[string]int `json:"tags"`
	Detections    []detection    `json:"detections"`
}

// ParseDetections accepts the reply shapes detectors produce: a
// species_counts (or tags) map, an object with a detections list, or a bare
// detections list. Listed detections below minConfidence are ignored.
func ParseDetections(payload []byte, minConfidence float64) (models.SpeciesCounts, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return models.SpeciesCounts{}, nil
	}

	var detections []detection
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &detections); err != nil {
			return nil, fmt.Errorf("%w: decode detections: %v", models.ErrUpstreamUnavailable, err)
		}
		return countDetections(detections, minConfidence), nil
	}

	var resp detectorResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode detector response: %v", models.ErrUpstreamUnavailable, err)
	}
	switch {
	case resp.SpeciesCounts != nil:
		return models.SpeciesCounts(resp.SpeciesCounts).Clone(), nil
	case resp.Tags != nil:
		return models.SpeciesCounts(resp.Tags).Clone(), nil
	default:
		return countDetections(resp.Detections, minConfidence), nil
	}
}

func countDetections(detections []detection, minConfidence float64) models.SpeciesCounts {
	counts := make(models.SpeciesCounts)
	for _, d := range detections {
		if d.Confidence != nil && *d.Confidence < minConfidence {
			continue
		}
		counts[d.name()]++
	}
	return counts
}

// PostProcess normalizes names, drops non-positive counts and drops the
// unknown bucket when any real species was seen.
func PostProcess(counts models.SpeciesCounts) models.SpeciesCounts {
	out := tagging.NormalizeCounts(counts)
	if _, ok := out[unknownSpecies]; ok && len(out) > 1 {
		delete(out, unknownSpecies)
	}
	return out
}

// IsRetryable reports whether a failed job may succeed when run again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, models.ErrUpstreamUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
