package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, DetectionInline, cfg.Detection.Driver)
	assert.Equal(t, int64(50<<20), cfg.Objects.MaxUploadBytes)
	assert.Equal(t, 128, cfg.Detection.ThumbnailSize)
	assert.True(t, cfg.Identity.AllowQueryIdentity)
	assert.Empty(t, cfg.HTTP.CORSOrigins)

	policy := cfg.Polling.Policy()
	assert.Equal(t, time.Second, policy.Interval)
	assert.Equal(t, 3*time.Second, policy.Cap)
	assert.Equal(t, 30*time.Second, policy.MaxWait)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("BIRDNEST_HTTP_ADDR", ":9090")
	t.Setenv("BIRDNEST_HTTP_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BIRDNEST_STORE_POSTGRES_DSN", "postgres://birds@localhost/birds")
	t.Setenv("BIRDNEST_DETECTION_TIMEOUT", "45s")
	t.Setenv("BIRDNEST_STORE_MAX_CONNS", "12")
	t.Setenv("BIRDNEST_IDENTITY_JWT_SECRET", "s3cret")

	cfg, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, "postgres://birds@localhost/birds", cfg.Store.PostgresDSN)
	assert.Equal(t, 45*time.Second, cfg.Detection.Timeout)
	assert.Equal(t, int32(12), cfg.Store.MaxConns)
	assert.Equal(t, "s3cret", cfg.Identity.JWTSecret)
}

func TestFlagsBeatEnvironment(t *testing.T) {
	t.Setenv("BIRDNEST_HTTP_ADDR", ":9090")

	cfg, err := parse(t, "--addr", ":7070", "--trusted-proxies", "10.0.0.0/8,192.0.2.1")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.HTTP.TrustedProxies)
}

func TestSecretsAreNotFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	for _, s := range settings {
		if s.flag == "" {
			continue
		}
		assert.NotNil(t, fs.Lookup(s.flag), s.key)
	}
	assert.Nil(t, fs.Lookup("jwt-secret"))
	assert.Nil(t, fs.Lookup("postgres-dsn"))
}

func TestConfigFileSitsBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "birdnest.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[http]
addr = ":6060"

[store]
driver = "sqlite"

[log]
level = "warn"
`), 0o600))
	t.Setenv("BIRDNEST_LOG_LEVEL", "debug")

	cfg, err := parse(t, "--config", path)
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := parse(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDotEnvFillsUnsetVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BIRDNEST_OBJECTS_BUCKET=from-dotenv\nBIRDNEST_OBJECTS_REGION=eu-west-1\n"), 0o600))
	t.Setenv("BIRDNEST_OBJECTS_REGION", "us-west-2")
	t.Cleanup(func() { _ = os.Unsetenv("BIRDNEST_OBJECTS_BUCKET") })

	cfg, err := parse(t, "--env-file", path)
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv", cfg.Objects.Bucket)
	assert.Equal(t, "us-west-2", cfg.Objects.Region)
}

func TestValidate(t *testing.T) {
	base, err := parse(t)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "staging" }},
		{"unknown detection driver", func(c *Config) { c.Detection.Driver = "gpu" }},
		{"asynq without redis", func(c *Config) { c.Detection.Driver = DetectionAsynq }},
		{"half tls", func(c *Config) { c.HTTP.TLSCert = "cert.pem" }},
		{"negative upload limit", func(c *Config) { c.HTTP.UploadLimit = -1 }},
		{"confidence out of range", func(c *Config) { c.Detection.MinConfidence = 1.5 }},
		{"production on json", func(c *Config) {
			c.Mode = ModeProduction
			c.Identity.WebhookToken = "token"
		}},
		{"production without webhook token", func(c *Config) {
			c.Mode = ModeProduction
			c.Store.Driver = "postgres"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	good := base
	good.Mode = ModeProduction
	good.Store.Driver = "sqlite"
	good.Identity.WebhookToken = "token"
	good.Detection.Driver = DetectionAsynq
	good.Redis.Addr = "localhost:6379"
	assert.NoError(t, good.Validate())
}
