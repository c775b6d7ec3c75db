package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdnest/internal/api"
	"birdnest/internal/catalog"
	"birdnest/internal/models"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/metrics"
	"birdnest/internal/server"
	"birdnest/internal/storage"
	"birdnest/internal/testsupport/s3stub"
)

func startAPI(t *testing.T) string {
	t.Helper()
	stub := s3stub.New("birds")
	t.Cleanup(stub.Close)
	objects, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint:     stub.URL(),
		AccessKey:    "AKIAEXAMPLE",
		SecretKey:    "secretKeyExample",
		Bucket:       "birds",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	repo, err := storage.NewJSONRepository("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := catalog.New(catalog.Config{Repository: repo, Objects: objects, Logger: logger, Metrics: metrics.New()})
	require.NoError(t, err)
	srv, err := server.New(api.NewHandler(svc, api.Options{WebhookToken: "hook", Logger: logger}), server.Config{Logger: logger, Metrics: metrics.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	t.Setenv("BIRDNEST_CLIENT_BASE_URL", ts.URL)
	t.Setenv("BIRDNEST_IDENTITY_WEBHOOK_TOKEN", "hook")
	t.Setenv("BIRDNEST_POLLING_INTERVAL", "5ms")
	t.Setenv("BIRDNEST_POLLING_MAX_WAIT", "1s")
	return ts.URL
}

func ctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--env-file", "", "--user-id", "alice"}, args...)
	err := run(context.Background(), full, &out, &errOut)
	return out.String(), err
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal([]byte(raw), &value), raw)
	return value
}

func TestCommandLifecycle(t *testing.T) {
	startAPI(t)
	path := filepath.Join(t.TempDir(), "robin.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F', 0}, 0o600))

	out, err := ctl(t, "upload", path)
	require.NoError(t, err)
	upload := decode[objectstore.PresignedUpload](t, out)
	assert.Equal(t, models.KindImage, upload.Kind)

	_, err = ctl(t, "notify", "--content-type", "image/jpeg", "--size", "11", upload.Key)
	require.NoError(t, err)

	out, err = ctl(t, "detection", upload.URL, "robin,2")
	require.NoError(t, err)
	assert.Equal(t, models.SpeciesCounts{"robin": 2}, decode[models.TagRecord](t, out).Tags)

	out, err = ctl(t, "search", "robin,2")
	require.NoError(t, err)
	assert.Equal(t, []string{upload.URL}, decode[map[string][]string](t, out)["links"])

	out, err = ctl(t, "tags", "add", upload.URL, "--tag", "wren,1")
	require.NoError(t, err)
	assert.Equal(t, []string{upload.URL}, decode[map[string][]string](t, out)["updated"])

	out, err = ctl(t, "tags", "set", upload.URL, "robin,1", "sparrow,4")
	require.NoError(t, err)
	assert.Equal(t, models.SpeciesCounts{"robin": 1, "sparrow": 4}, decode[models.TagRecord](t, out).Tags)

	out, err = ctl(t, "gallery")
	require.NoError(t, err)
	assert.Len(t, decode[[]models.TagRecord](t, out), 1)

	out, err = ctl(t, "delete", upload.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{upload.URL}, decode[map[string][]string](t, out)["deleted"])

	_, err = ctl(t, "lookup", upload.URL)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUploadAwaitTimesOutWithoutDetection(t *testing.T) {
	startAPI(t)
	t.Setenv("BIRDNEST_POLLING_MAX_WAIT", "30ms")
	path := filepath.Join(t.TempDir(), "wren.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nrest"), 0o600))

	_, err := ctl(t, "upload", "--await", path)
	require.Error(t, err)
}

func TestUnknownAndMissingCommands(t *testing.T) {
	_, err := ctl(t)
	require.Error(t, err)
	_, err = ctl(t, "fly")
	require.ErrorContains(t, err, "unknown command")
	assert.NoError(t, run(context.Background(), []string{"--help"}, io.Discard, io.Discard))
}

func TestParsePredicate(t *testing.T) {
	predicate, err := parsePredicate([]string{" robin ", "crow,3"})
	require.NoError(t, err)
	assert.Equal(t, models.SearchPredicate{"robin": 1, "crow": 3}, predicate)

	_, err = parsePredicate(nil)
	require.Error(t, err)
	_, err = parsePredicate([]string{"crow,zero"})
	assert.ErrorIs(t, err, models.ErrMalformedDelta)
}

func TestSniffContentType(t *testing.T) {
	assert.Equal(t, "image/png", sniffContentType("x.bin", []byte("\x89PNG\r\n\x1a\n0000")))
	assert.Equal(t, "image/jpeg", sniffContentType("robin.jpg", []byte("plain")))
	assert.Equal(t, "application/octet-stream", sniffContentType("blob", []byte("plain")))
}
