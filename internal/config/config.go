// Package config loads birdnest settings from flags, BIRDNEST_* environment
// variables, an optional config file and a .env file.
//
// Precedence is flags, then environment, then config file, then defaults.
// Every key is available under all three sources: the key "store.json_path"
// is the flag --store-json-path and the variable BIRDNEST_STORE_JSON_PATH.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"birdnest/internal/polling"
)

const EnvPrefix = "BIRDNEST"

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

const (
	DetectionInline = "inline"
	DetectionAsynq  = "asynq"
	DetectionNone   = "none"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Objects   ObjectsConfig   `mapstructure:"objects"`
	Detection DetectionConfig `mapstructure:"detection"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Client    ClientConfig    `mapstructure:"client"`
	Polling   PollingConfig   `mapstructure:"polling"`
}

type HTTPConfig struct {
	Addr                  string        `mapstructure:"addr"`
	TLSCert               string        `mapstructure:"tls_cert"`
	TLSKey                string        `mapstructure:"tls_key"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins           []string      `mapstructure:"cors_origins"`
	TrustForwardedHeaders bool          `mapstructure:"trust_forwarded_headers"`
	TrustedProxies        []string      `mapstructure:"trusted_proxies"`
	GlobalRPS             float64       `mapstructure:"global_rps"`
	GlobalBurst           int           `mapstructure:"global_burst"`
	UploadLimit           int           `mapstructure:"upload_limit"`
	UploadWindow          time.Duration `mapstructure:"upload_window"`
	AuditLog              bool          `mapstructure:"audit_log"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	JSONPath        string        `mapstructure:"json_path"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	SQLiteBusy      time.Duration `mapstructure:"sqlite_busy_timeout"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	Migrate         bool          `mapstructure:"migrate"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdle     time.Duration `mapstructure:"max_conn_idle"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
	ApplicationName string        `mapstructure:"application_name"`
}

type ObjectsConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	PublicEndpoint  string        `mapstructure:"public_endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKey       string        `mapstructure:"access_key"`
	SecretKey       string        `mapstructure:"secret_key"`
	Bucket          string        `mapstructure:"bucket"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	MediaPrefix     string        `mapstructure:"media_prefix"`
	ThumbnailPrefix string        `mapstructure:"thumbnail_prefix"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type DetectionConfig struct {
	Driver            string        `mapstructure:"driver"`
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Attempts          int           `mapstructure:"attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RecoverLimit      int           `mapstructure:"recover_limit"`
	DetectorURL       string        `mapstructure:"detector_url"`
	DetectorToken     string        `mapstructure:"detector_token"`
	MinConfidence     float64       `mapstructure:"min_confidence"`
	ThumbnailSize     int           `mapstructure:"thumbnail_size"`
	DisableThumbnails bool          `mapstructure:"disable_thumbnails"`
	Queue             string        `mapstructure:"queue"`
	MaxRetry          int           `mapstructure:"max_retry"`
	Retention         time.Duration `mapstructure:"retention"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type IdentityConfig struct {
	JWTSecret          string `mapstructure:"jwt_secret"`
	Issuer             string `mapstructure:"issuer"`
	AllowQueryIdentity bool   `mapstructure:"allow_query_identity"`
	AnonymousOwner     string `mapstructure:"anonymous_owner"`
	WebhookToken       string `mapstructure:"webhook_token"`
}

type CatalogConfig struct {
	DeleteParallelism int `mapstructure:"delete_parallelism"`
}

type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	UserID  string        `mapstructure:"user_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Backoff  float64       `mapstructure:"backoff"`
	Cap      time.Duration `mapstructure:"cap"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// Policy converts the polling section to a normalized schedule.
func (p PollingConfig) Policy() polling.Policy {
	return polling.Policy{
		Interval: p.Interval,
		Backoff:  p.Backoff,
		Cap:      p.Cap,
		MaxWait:  p.MaxWait,
	}.Normalize()
}

// setting binds one key to its flag and default. An empty flag keeps the key
// out of the command line, which is where secrets live.
type setting struct {
	key   string
	flag  string
	def   any
	usage string
}

var settings = []setting{
	{"mode", "mode", ModeDevelopment, "runtime mode (development or production)"},

	{"http.addr", "addr", ":8080", "HTTP listen address"},
	{"http.tls_cert", "tls-cert", "", "TLS certificate path"},
	{"http.tls_key", "tls-key", "", "TLS private key path"},
	{"http.shutdown_timeout", "shutdown-timeout", 10 * time.Second, "graceful shutdown limit"},
	{"http.cors_origins", "cors-origins", []string{}, "browser origins allowed to call the API"},
	{"http.trust_forwarded_headers", "trust-forwarded-headers", false, "believe X-Forwarded-For from any peer"},
	{"http.trusted_proxies", "trusted-proxies", []string{}, "proxy CIDRs whose forwarding headers are believed"},
	{"http.global_rps", "global-rps", 0.0, "global request rate limit (0 disables)"},
	{"http.global_burst", "global-burst", 0, "global request burst"},
	{"http.upload_limit", "upload-limit", 30, "presigned uploads per client per window (0 disables)"},
	{"http.upload_window", "upload-window", time.Minute, "upload rate limit window"},
	{"http.audit_log", "audit-log", true, "log catalog mutations"},

	{"log.level", "log-level", "info", "log level (debug, info, warn, error)"},
	{"log.format", "log-format", "json", "log format (json or text)"},

	{"store.driver", "store-driver", "", "metadata store driver (json, sqlite, postgres)"},
	{"store.json_path", "store-json-path", "data/catalog.json", "JSON store file"},
	{"store.sqlite_path", "store-sqlite-path", "data/catalog.db", "SQLite database file"},
	{"store.sqlite_busy_timeout", "store-sqlite-busy-timeout", 5 * time.Second, "SQLite busy timeout"},
	{"store.postgres_dsn", "", "", "Postgres connection string"},
	{"store.migrate", "store-migrate", true, "apply the Postgres schema on start"},
	{"store.max_conns", "store-max-conns", int32(0), "Postgres pool max connections"},
	{"store.min_conns", "store-min-conns", int32(0), "Postgres pool min connections"},
	{"store.acquire_timeout", "store-acquire-timeout", 0 * time.Second, "Postgres connection acquire timeout"},
	{"store.max_conn_lifetime", "store-max-conn-lifetime", 0 * time.Second, "Postgres connection lifetime"},
	{"store.max_conn_idle", "store-max-conn-idle", 0 * time.Second, "Postgres connection idle time"},
	{"store.health_check_period", "store-health-check-period", 0 * time.Second, "Postgres pool health check period"},
	{"store.application_name", "store-application-name", "birdnest", "Postgres application_name"},

	{"objects.endpoint", "s3-endpoint", "", "S3-compatible endpoint"},
	{"objects.public_endpoint", "s3-public-endpoint", "", "endpoint used in stored and presigned URLs"},
	{"objects.region", "s3-region", "us-east-1", "bucket region"},
	{"objects.access_key", "", "", "S3 access key"},
	{"objects.secret_key", "", "", "S3 secret key"},
	{"objects.bucket", "s3-bucket", "birdnest", "media bucket"},
	{"objects.use_path_style", "s3-path-style", true, "address the bucket in the path"},
	{"objects.media_prefix", "s3-media-prefix", "media", "key prefix for uploads"},
	{"objects.thumbnail_prefix", "s3-thumbnail-prefix", "thumbnails", "key prefix for thumbnails"},
	{"objects.presign_ttl", "presign-ttl", 15 * time.Minute, "presigned URL lifetime"},
	{"objects.max_upload_bytes", "max-upload-bytes", int64(50 << 20), "largest accepted upload"},
	{"objects.request_timeout", "s3-timeout", 30 * time.Second, "object store request timeout"},

	{"detection.driver", "detection-driver", DetectionInline, "where detection runs (inline, asynq, none)"},
	{"detection.workers", "detection-workers", 2, "detection workers"},
	{"detection.queue_size", "detection-queue-size", 64, "inline detection queue size"},
	{"detection.timeout", "detection-timeout", 2 * time.Minute, "per job timeout"},
	{"detection.attempts", "detection-attempts", 3, "inline attempts per job"},
	{"detection.retry_backoff", "detection-retry-backoff", 2 * time.Second, "inline retry backoff"},
	{"detection.recover_limit", "detection-recover-limit", 500, "pending records requeued at start"},
	{"detection.detector_url", "detector-url", "", "species detector endpoint"},
	{"detection.detector_token", "", "", "species detector bearer token"},
	{"detection.min_confidence", "min-confidence", 0.5, "minimum detection confidence"},
	{"detection.thumbnail_size", "thumbnail-size", 128, "thumbnail bounding box"},
	{"detection.disable_thumbnails", "disable-thumbnails", false, "skip thumbnail generation"},
	{"detection.queue", "detection-queue", "detections", "asynq queue name"},
	{"detection.max_retry", "detection-max-retry", 5, "asynq retries per task"},
	{"detection.retention", "detection-retention", time.Hour, "asynq completed task retention"},

	{"redis.addr", "redis-addr", "", "Redis address for rate limits and the detection queue"},
	{"redis.password", "", "", "Redis password"},
	{"redis.db", "redis-db", 0, "Redis database"},
	{"redis.timeout", "redis-timeout", 2 * time.Second, "Redis operation timeout"},

	{"identity.jwt_secret", "", "", "HS256 secret for bearer tokens"},
	{"identity.issuer", "jwt-issuer", "", "required token issuer"},
	{"identity.allow_query_identity", "allow-query-identity", true, "accept userId without a token"},
	{"identity.anonymous_owner", "anonymous-owner", "", "owner used when a request carries no identity"},
	{"identity.webhook_token", "", "", "shared secret for event and detection callbacks"},

	{"catalog.delete_parallelism", "delete-parallelism", 8, "concurrent object deletions"},

	{"client.base_url", "base-url", "http://localhost:8080", "API base URL"},
	{"client.token", "", "", "bearer token for API calls"},
	{"client.user_id", "user-id", "", "owner id sent with API calls"},
	{"client.timeout", "client-timeout", 30 * time.Second, "API request timeout"},

	{"polling.interval", "poll-interval", time.Second, "first delay between tag polls"},
	{"polling.backoff", "poll-backoff", 1.5, "poll delay multiplier"},
	{"polling.cap", "poll-cap", 3 * time.Second, "longest delay between polls"},
	{"polling.max_wait", "poll-max-wait", 30 * time.Second, "give up waiting for tags after"},
}

// RegisterFlags declares every setting on fs plus --config and --env-file.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (toml, yaml or json)")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	for _, s := range settings {
		if s.flag == "" {
			continue
		}
		switch def := s.def.(type) {
		case string:
			fs.String(s.flag, def, s.usage)
		case bool:
			fs.Bool(s.flag, def, s.usage)
		case int:
			fs.Int(s.flag, def, s.usage)
		case int32:
			fs.Int32(s.flag, def, s.usage)
		case int64:
			fs.Int64(s.flag, def, s.usage)
		case float64:
			fs.Float64(s.flag, def, s.usage)
		case time.Duration:
			fs.Duration(s.flag, def, s.usage)
		case []string:
			fs.StringSlice(s.flag, def, s.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default for %s", s.key))
		}
	}
}

// Load reads settings after fs has been parsed. A nil fs reads only the
// environment and defaults.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}

	var configFile string
	envFile := ".env"
	if fs != nil {
		for _, s := range settings {
			if s.flag == "" {
				continue
			}
			if flag := fs.Lookup(s.flag); flag != nil {
				if err := v.BindPFlag(s.key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", s.flag, err)
				}
			}
		}
		configFile, _ = fs.GetString("config")
		if value, err := fs.GetString("env-file"); err == nil {
			envFile = value
		}
	}

	if err := loadDotEnv(envFile); err != nil {
		return Config{}, err
	}
	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv applies path without overriding variables already set. A
// missing file is not an error.
func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Detection.Driver = strings.ToLower(strings.TrimSpace(c.Detection.Driver))
	c.HTTP.CORSOrigins = splitList(c.HTTP.CORSOrigins)
	c.HTTP.TrustedProxies = splitList(c.HTTP.TrustedProxies)
	c.Client.BaseURL = strings.TrimRight(strings.TrimSpace(c.Client.BaseURL), "/")
}

// splitList flattens comma-separated entries so lists read from the
// environment and from flags look the same.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects combinations the services cannot start with.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Detection.Driver {
	case DetectionInline, DetectionAsynq, DetectionNone:
	default:
		return fmt.Errorf("unknown detection driver %q", c.Detection.Driver)
	}
	if c.Detection.Driver == DetectionAsynq && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("detection driver asynq requires redis.addr")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return errors.New("both http.tls_cert and http.tls_key must be set")
	}
	if c.HTTP.UploadLimit < 0 || c.HTTP.GlobalRPS < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.Objects.MaxUploadBytes < 0 {
		return errors.New("objects.max_upload_bytes must not be negative")
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		return fmt.Errorf("detection.min_confidence %.2f outside [0,1]", c.Detection.MinConfidence)
	}
	if c.Mode == ModeProduction {
		if c.Store.Driver == "json" || (c.Store.Driver == "" && strings.TrimSpace(c.Store.PostgresDSN) == "") {
			return errors.New("production mode requires the sqlite or postgres store")
		}
		if strings.TrimSpace(c.Identity.WebhookToken) == "" {
			return errors.New("production mode requires identity.webhook_token")
		}
	}
	return nil
}
