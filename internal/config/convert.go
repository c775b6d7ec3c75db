package config

import (
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"birdnest/internal/detection"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/logging"
	"birdnest/internal/storage"
)

func (l LogConfig) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format}
}

func (s StoreConfig) Storage() storage.Config {
	return storage.Config{
		Driver:      s.Driver,
		JSONPath:    s.JSONPath,
		SQLitePath:  s.SQLitePath,
		PostgresDSN: s.PostgresDSN,
		Migrate:     s.Migrate,
	}
}

// Options returns the driver tuning for storage.Open. Zero values keep the
// driver defaults.
func (s StoreConfig) Options() []storage.Option {
	opts := []storage.Option{
		storage.WithPostgresPoolLimits(s.MaxConns, s.MinConns),
		storage.WithPostgresPoolDurations(s.MaxConnLifetime, s.MaxConnIdle, s.HealthCheck),
	}
	if s.AcquireTimeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(s.AcquireTimeout))
	}
	if name := strings.TrimSpace(s.ApplicationName); name != "" {
		opts = append(opts, storage.WithPostgresApplicationName(name))
	}
	if s.SQLiteBusy > 0 {
		opts = append(opts, storage.WithSQLiteBusyTimeout(s.SQLiteBusy))
	}
	return opts
}

func (o ObjectsConfig) ObjectStore() objectstore.Config {
	return objectstore.Config{
		Endpoint:        o.Endpoint,
		Region:          o.Region,
		AccessKey:       o.AccessKey,
		SecretKey:       o.SecretKey,
		Bucket:          o.Bucket,
		UsePathStyle:    o.UsePathStyle,
		PublicEndpoint:  o.PublicEndpoint,
		MediaPrefix:     o.MediaPrefix,
		ThumbnailPrefix: o.ThumbnailPrefix,
		PresignTTL:      o.PresignTTL,
		MaxUploadBytes:  o.MaxUploadBytes,
		RequestTimeout:  o.RequestTimeout,
	}
}

func (d DetectionConfig) HTTPDetector() detection.HTTPDetectorConfig {
	return detection.HTTPDetectorConfig{
		URL:           d.DetectorURL,
		Token:         d.DetectorToken,
		Timeout:       d.Timeout,
		MinConfidence: d.MinConfidence,
	}
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

func (r RedisConfig) Client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  r.Timeout,
		ReadTimeout:  r.Timeout,
		WriteTimeout: r.Timeout,
	})
}

func (r RedisConfig) Asynq() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  r.Timeout,
		ReadTimeout:  r.Timeout,
		WriteTimeout: r.Timeout,
	}
}
