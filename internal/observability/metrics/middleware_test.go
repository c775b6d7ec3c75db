package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/gallery/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `birdnest_http_requests_total{method="GET",path="/gallery/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestDefaultHelpersRecordOnDefaultRecorder(t *testing.T) {
	Default().Reset()
	t.Cleanup(Default().Reset)

	ObserveRequest("POST", "/events/object-created", http.StatusAccepted, 150*time.Millisecond)

	res := httptest.NewRecorder()
	Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	expected := `birdnest_http_requests_total{method="POST",path="/events/object-created",status="202"} 1`
	if !strings.Contains(res.Body.String(), expected) {
		t.Fatalf("expected default metrics to include %q, got %q", expected, res.Body.String())
	}
}

func TestResponseRecorderCountsBytesAndKeepsFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	rr.WriteHeader(http.StatusCreated)
	rr.WriteHeader(http.StatusInternalServerError)
	if _, err := rr.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rr.ReadFrom(strings.NewReader(" world")); err != nil {
		t.Fatalf("read from: %v", err)
	}

	if rr.Status() != http.StatusCreated {
		t.Fatalf("expected first status to stick, got %d", rr.Status())
	}
	if rr.BytesWritten() != int64(len("hello world")) {
		t.Fatalf("expected 11 bytes written, got %d", rr.BytesWritten())
	}
}
