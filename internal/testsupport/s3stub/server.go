// Package s3stub provides an in-memory, path-style S3 endpoint for tests.
// It accepts any credentials and records every request it serves.
package s3stub

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Request is one recorded call.
type Request struct {
	Method        string
	Bucket        string
	Key           string
	Authorization string
	ContentType   string
	Query         string
}

type object struct {
	body        []byte
	contentType string
}

// Server is a minimal S3 bucket store behind an httptest server.
type Server struct {
	mu       sync.Mutex
	buckets  map[string]map[string]object
	requests []Request
	http     *httptest.Server
}

// New starts a stub with the named buckets already created.
func New(buckets ...string) *Server {
	s := &Server{buckets: make(map[string]map[string]object)}
	for _, name := range buckets {
		s.buckets[name] = make(map[string]object)
	}
	s.http = httptest.NewServer(s)
	return s
}

// URL is the endpoint to configure as the S3 base endpoint.
func (s *Server) URL() string { return s.http.URL }

func (s *Server) Close() { s.http.Close() }

// Put seeds an object directly.
func (s *Server) Put(bucket, key, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.buckets[bucket]
	if !ok {
		objs = make(map[string]object)
		s.buckets[bucket] = objs
	}
	objs[key] = object{body: append([]byte(nil), body...), contentType: contentType}
}

// Get returns a copy of a stored object.
func (s *Server) Get(bucket, key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.body...), obj.contentType, true
}

// Requests returns every recorded request in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func parsePath(p string) (string, string) {
	trimmed := strings.TrimPrefix(p, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, message)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key := parsePath(r.URL.Path)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "read body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Bucket:        bucket,
		Key:           key,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		Query:         r.URL.RawQuery,
	})

	objs, ok := s.buckets[bucket]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket not found")
		return
	}
	if key == "" {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "bucket operation not supported")
		return
	}

	switch r.Method {
	case http.MethodPut:
		objs[key] = object{body: body, contentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"stub"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		obj, ok := objs[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.body)
		}
	case http.MethodDelete:
		delete(objs, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	}
}
