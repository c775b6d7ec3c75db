package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"birdnest/internal/api"
	"birdnest/internal/catalog"
	"birdnest/internal/objectstore"
	"birdnest/internal/observability/metrics"
	"birdnest/internal/storage"
	"birdnest/internal/testsupport/s3stub"
)

func newTestHandler(t *testing.T) *api.Handler {
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
	if err != nil {
		t.Fatalf("objectstore.New error: %v", err)
	}
	repo, err := storage.NewJSONRepository("")
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := catalog.New(catalog.Config{
		Repository: repo,
		Objects:    objects,
		Logger:     logger,
		Metrics:    metrics.New(),
	})
	if err != nil {
		t.Fatalf("catalog.New error: %v", err)
	}
	return api.NewHandler(svc, api.Options{WebhookToken: "hook-token", Logger: logger})
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(newTestHandler(t), cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error when handler is nil")
	}
}

func TestNewRejectsInvalidTrustedProxy(t *testing.T) {
	_, err := New(newTestHandler(t), Config{RateLimit: RateLimitConfig{TrustedProxies: []string{"not-a-cidr"}}})
	if err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
}

func TestUnknownRouteReturnsJSONNotFound(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["error"] == "" {
		t.Fatalf("expected error message, got %v", payload)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy response, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header on health response")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics response, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "birdnest_http_requests_total") {
		t.Fatalf("expected request counter in metrics output, got %q", rec.Body.String())
	}
}

func TestClientIPResolverIgnoresForwardedByDefault(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "198.51.100.10" || source != ipSourceRemoteAddr {
		t.Fatalf("expected remote addr, got %q from %q", ip, source)
	}
}

func TestClientIPResolverTrustsForwardedWhenEnabled(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.5" || source != ipSourceXForwardedFor {
		t.Fatalf("expected first forwarded ip, got %q from %q", ip, source)
	}
}

func TestClientIPResolverTrustedProxyCIDR(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.7"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	if ip, source := resolver.ClientIPFromRequest(req); ip != "203.0.113.10" || source != ipSourceXRealIP {
		t.Fatalf("expected real ip header, got %q from %q", ip, source)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.12")
	if ip, _ := resolver.ClientIPFromRequest(req); ip != "203.0.113.12" {
		t.Fatalf("expected bare proxy address to be trusted, got %q", ip)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.20:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.11")
	if ip, source := resolver.ClientIPFromRequest(req); ip != "198.51.100.20" || source != ipSourceRemoteAddr {
		t.Fatalf("expected remote addr for untrusted peer, got %q from %q", ip, source)
	}
}

func uploadLimitedHandler(t *testing.T, cfg RateLimitConfig) http.Handler {
	t.Helper()
	rl, err := newRateLimiter(cfg)
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	t.Cleanup(func() { _ = rl.Close() })
	resolver, err := newClientIPResolver(cfg)
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	return rateLimitMiddleware(rl, resolver, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestRateLimitMiddlewareSpoofedHeadersIgnoredByDefault(t *testing.T) {
	handler := uploadLimitedHandler(t, RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute})

	req1 := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req1.RemoteAddr = "198.51.100.1:1234"
	req1.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req2.RemoteAddr = "198.51.100.1:5678"
	req2.Header.Set("X-Forwarded-For", "203.0.113.2")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on throttled upload")
	}
}

func TestRateLimitMiddlewareHonorsTrustedForwardedHeaders(t *testing.T) {
	handler := uploadLimitedHandler(t, RateLimitConfig{
		UploadLimit:    1,
		UploadWindow:   time.Minute,
		TrustedProxies: []string{"10.0.0.0/8"},
	})

	for i, client := range []string{"203.0.113.50", "203.0.113.51"} {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.RemoteAddr = "10.1.2.3:9999"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: distinct forwarded clients should not share a bucket, got %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareOnlyCountsUploadPresigns(t *testing.T) {
	handler := uploadLimitedHandler(t, RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/search/tags", nil)
		req.RemoteAddr = "198.51.100.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("search request %d throttled with %d", i, rec.Code)
		}
	}
}

func TestGlobalRateLimitAppliesToEveryRoute(t *testing.T) {
	handler := uploadLimitedHandler(t, RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gallery", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gallery", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected burst to be exhausted, got %d", rec.Code)
	}
}

func TestNewRateLimiterRejectsNegativeLimits(t *testing.T) {
	if _, err := newRateLimiter(RateLimitConfig{UploadLimit: -1}); err == nil {
		t.Fatal("expected error for negative upload limit")
	}
}

func TestAuditMiddlewareLogsMutationsOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := auditMiddleware(logger, resolver, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/gallery", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected no audit line for reads, got %q", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/search/tags", nil))
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if entry["msg"] != "audit" || entry["method"] != http.MethodPut || entry["path"] != "/search/tags" {
		t.Fatalf("unexpected audit entry: %v", entry)
	}
}
