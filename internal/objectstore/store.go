// Package objectstore issues presigned upload URLs and reads, writes and
// removes media bytes in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"birdnest/internal/models"
)

const (
	defaultPresignTTL      = 15 * time.Minute
	defaultRequestTimeout  = 10 * time.Second
	defaultMediaPrefix     = "media-files"
	defaultThumbnailPrefix = "thumbnails"
)

// Config describes the bucket and how to reach it. Endpoint is only needed
// for S3-compatible stores other than AWS.
type Config struct {
	Endpoint        string
	Region          string
	AccessKey       string
	SecretKey       string
	Bucket          string
	UsePathStyle    bool
	PublicEndpoint  string
	MediaPrefix     string
	ThumbnailPrefix string
	PresignTTL      time.Duration
	MaxUploadBytes  int64
	RequestTimeout  time.Duration
}

func applyDefaults(cfg Config) Config {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MediaPrefix = strings.Trim(strings.TrimSpace(cfg.MediaPrefix), "/"); cfg.MediaPrefix == "" {
		cfg.MediaPrefix = defaultMediaPrefix
	}
	if cfg.ThumbnailPrefix = strings.Trim(strings.TrimSpace(cfg.ThumbnailPrefix), "/"); cfg.ThumbnailPrefix == "" {
		cfg.ThumbnailPrefix = defaultThumbnailPrefix
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return cfg
}

// Store is the S3-backed gateway.
type Store struct {
	cfg       Config
	client    *s3.Client
	presigner *s3.PresignClient
	now       func() time.Time
	newID     func() string
}

// New builds a Store from cfg. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = applyDefaults(cfg)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Store{
		cfg:       cfg,
		client:    client,
		presigner: s3.NewPresignClient(client),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// PresignedUpload is the handshake returned to the client. The PUT must carry
// the listed headers exactly.
type PresignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Key       string            `json:"key"`
	URL       string            `json:"s3_url"`
	Kind      models.MediaKind  `json:"file_type"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// PresignUpload validates req, reserves a unique key under the owner's
// namespace and signs a PUT bound to that key and content type. Nothing is
// written to the bucket.
func (s *Store) PresignUpload(ctx context.Context, req UploadRequest) (PresignedUpload, error) {
	kind, err := req.Validate(s.cfg.MaxUploadBytes)
	if err != nil {
		return PresignedUpload{}, err
	}
	owner, err := ValidateOwner(req.OwnerID)
	if err != nil {
		return PresignedUpload{}, err
	}
	contentType := normalizeContentType(req.ContentType)
	now := s.now()
	key := MediaKey(s.cfg.MediaPrefix, owner, req.FileName, contentType, s.newID(), now)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	if req.Size > 0 {
		input.ContentLength = aws.Int64(req.Size)
	}
	signed, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("%w: presign upload: %v", models.ErrUpstreamUnavailable, err)
	}

	headers := make(map[string]string)
	for name, values := range signed.SignedHeader {
		if strings.EqualFold(name, "host") || len(values) == 0 {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = values[0]
	}
	return PresignedUpload{
		UploadURL: signed.URL,
		Method:    signed.Method,
		Headers:   headers,
		Key:       key,
		URL:       s.PublicURL(key),
		Kind:      kind,
		ExpiresAt: now.Add(s.cfg.PresignTTL),
	}, nil
}

// PublicURL returns the stable URL clients use to reference key.
func (s *Store) PublicURL(key string) string {
	key = strings.TrimLeft(key, "/")
	switch {
	case strings.TrimSpace(s.cfg.PublicEndpoint) != "":
		return strings.TrimRight(strings.TrimSpace(s.cfg.PublicEndpoint), "/") + "/" + key
	case s.cfg.Endpoint != "":
		return s.cfg.Endpoint + "/" + s.cfg.Bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.cfg.Bucket, key)
	}
}

// ThumbnailKey maps a media key to the key its thumbnail is stored under.
func (s *Store) ThumbnailKey(mediaKey string) string {
	return ThumbnailKey(s.cfg.MediaPrefix, s.cfg.ThumbnailPrefix, mediaKey)
}

// OwnerFromKey extracts the owner namespace of a media key.
func (s *Store) OwnerFromKey(key string) (string, bool) {
	return OwnerFromKey(s.cfg.MediaPrefix, key)
}

// Object is a bounded read of stored bytes.
type Object struct {
	Key         string
	ContentType string
	Body        []byte
}

// Fetch reads at most limit bytes of key. Objects larger than limit fail
// with models.ErrInvalidInput.
func (s *Store) Fetch(ctx context.Context, key string, limit int64) (Object, error) {
	if limit <= 0 {
		limit = s.cfg.MaxUploadBytes
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, classify("fetch "+key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return Object{}, fmt.Errorf("%w: read %s: %v", models.ErrUpstreamUnavailable, key, err)
	}
	if int64(len(body)) > limit {
		return Object{}, fmt.Errorf("%w: object %s exceeds %d bytes", models.ErrInvalidInput, key, limit)
	}
	return Object{Key: key, ContentType: aws.ToString(out.ContentType), Body: body}, nil
}

// PutThumbnail stores a JPEG thumbnail for mediaKey and returns its URL.
func (s *Store) PutThumbnail(ctx context.Context, mediaKey string, jpeg []byte) (string, error) {
	key := s.ThumbnailKey(mediaKey)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(jpeg),
		ContentLength: aws.Int64(int64(len(jpeg))),
		ContentType:   aws.String("image/jpeg"),
	})
	if err != nil {
		return "", classify("put thumbnail "+key, err)
	}
	return s.PublicURL(key), nil
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify("delete "+key, err)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return classify("head bucket", err)
	}
	return nil
}

func classify(op string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s: %v", models.ErrNotFound, op, err)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %v", models.ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrUpstreamUnavailable, op, err)
}
