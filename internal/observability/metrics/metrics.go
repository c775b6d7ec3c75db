package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// DetectionJobLabel identifies a detection job event by the dispatcher that
// ran it and the outcome.
type DetectionJobLabel struct {
	Driver string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, the
// upload handshake, detection jobs and catalog operations.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	uploadEvents      map[string]uint64
	detectionEvents   map[DetectionJobLabel]uint64
	activeDetections  atomic.Int64
	tagMutations      map[string]uint64
	deletions         map[string]uint64
	searches          map[string]uint64
	dependencyValue   map[string]float64
	dependencyState   map[string]string
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		detectionEvents: make(map[DetectionJobLabel]uint64),
		tagMutations:    make(map[string]uint64),
		deletions:       make(map[string]uint64),
		searches:        make(map[string]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveUpload records an upload handshake event such as "presigned",
// "rejected" or "object_created".
func (r *Recorder) ObserveUpload(event string) {
	r.increment(r.uploadEvents, event)
}

// DetectionStarted records a job start and raises the active gauge.
func (r *Recorder) DetectionStarted(driver string) {
	r.recordDetection(driver, "start")
	r.activeDetections.Add(1)
}

// DetectionFinished records the job outcome ("tagged", "skipped",
// "dropped" or "failed") and lowers the active gauge.
func (r *Recorder) DetectionFinished(driver, status string) {
	r.recordDetection(driver, status)
	r.decrementGauge(&r.activeDetections)
}

// ObserveDetection records a detection event that did not run through a
// worker, such as an externally posted result.
func (r *Recorder) ObserveDetection(driver, status string) {
	r.recordDetection(driver, status)
}

func (r *Recorder) recordDetection(driver, status string) {
	label := DetectionJobLabel{Driver: normalizeName(driver), Status: normalizeName(status)}
	r.mu.Lock()
	r.detectionEvents[label]++
	r.mu.Unlock()
}

// ObserveTagMutation counts one applied mutation per record.
func (r *Recorder) ObserveTagMutation(operation string, records int) {
	if records <= 0 {
		return
	}
	op := normalizeName(operation)
	r.mu.Lock()
	r.tagMutations[op] += uint64(records)
	r.mu.Unlock()
}

// ObserveDeletion counts bulk delete results by outcome.
func (r *Recorder) ObserveDeletion(result string, count int) {
	if count <= 0 {
		return
	}
	name := normalizeName(result)
	r.mu.Lock()
	r.deletions[name] += uint64(count)
	r.mu.Unlock()
}

// ObserveSearch counts lookups by kind ("tags", "thumbnail", "file").
func (r *Recorder) ObserveSearch(kind string) {
	r.increment(r.searches, kind)
}

// SetDependencyHealth stores the last known health of a dependency.
func (r *Recorder) SetDependencyHealth(dependency, status string) {
	name := normalizeName(dependency)
	state := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch state {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.dependencyValue[name] = value
	r.dependencyState[name] = state
	r.mu.Unlock()
}

func (r *Recorder) increment(counter map[string]uint64, name string) {
	key := normalizeName(name)
	r.mu.Lock()
	counter[key]++
	r.mu.Unlock()
}

// ActiveDetections exposes the active detection gauge.
func (r *Recorder) ActiveDetections() int64 {
	return r.activeDetections.Load()
}

// DetectionCounts returns a copy of detection events and the active gauge.
func (r *Recorder) DetectionCounts() (events map[DetectionJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[DetectionJobLabel]uint64, len(r.detectionEvents))
	for k, v := range r.detectionEvents {
		events[k] = v
	}
	return events, r.activeDetections.Load()
}

// Counts returns a copy of a named counter family for tests and reports.
// Known families are "uploads", "tag_mutations", "deletions" and "searches".
func (r *Recorder) Counts(family string) map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var src map[string]uint64
	switch family {
	case "uploads":
		src = r.uploadEvents
	case "tag_mutations":
		src = r.tagMutations
	case "deletions":
		src = r.deletions
	case "searches":
		src = r.searches
	}
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.detectionEvents = make(map[DetectionJobLabel]uint64)
	r.tagMutations = make(map[string]uint64)
	r.deletions = make(map[string]uint64)
	r.searches = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.activeDetections.Store(0)
}

// Handler exposes the Recorder as Prometheus text.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder in Prometheus text format with sorted label
// sets so output is stable.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP birdnest_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE birdnest_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "birdnest_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP birdnest_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE birdnest_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "birdnest_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP birdnest_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE birdnest_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "birdnest_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	writeCounterFamily(w, "birdnest_upload_events_total", "Upload handshake events by type", "event", r.uploadEvents)

	fmt.Fprintln(w, "# HELP birdnest_detection_jobs_total Detection job events by dispatcher and status")
	fmt.Fprintln(w, "# TYPE birdnest_detection_jobs_total counter")
	for _, label := range r.sortedDetectionLabels() {
		fmt.Fprintf(w, "birdnest_detection_jobs_total{driver=\"%s\",status=\"%s\"} %d\n", label.Driver, label.Status, r.detectionEvents[label])
	}

	fmt.Fprintln(w, "# HELP birdnest_detection_active_jobs Current number of running detection jobs")
	fmt.Fprintln(w, "# TYPE birdnest_detection_active_jobs gauge")
	fmt.Fprintf(w, "birdnest_detection_active_jobs %d\n", r.activeDetections.Load())

	writeCounterFamily(w, "birdnest_tag_mutations_total", "Records changed by tag mutations by operation", "operation", r.tagMutations)
	writeCounterFamily(w, "birdnest_deletions_total", "Bulk delete results by outcome", "result", r.deletions)
	writeCounterFamily(w, "birdnest_searches_total", "Catalog lookups by kind", "kind", r.searches)

	fmt.Fprintln(w, "# HELP birdnest_dependency_health Dependency health (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE birdnest_dependency_health gauge")
	for _, name := range sortedKeys(r.dependencyState) {
		fmt.Fprintf(w, "birdnest_dependency_health{dependency=\"%s\",status=\"%s\"} %f\n", name, r.dependencyState[name], r.dependencyValue[name])
	}
}

func writeCounterFamily(w io.Writer, name, help, labelName string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, labelName, key, values[key])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDetectionLabels() []DetectionJobLabel {
	labels := make([]DetectionJobLabel, 0, len(r.detectionEvents))
	for label := range r.detectionEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Driver != labels[j].Driver {
			return labels[i].Driver < labels[j].Driver
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

// normalizePath collapses identifier-like segments so request labels stay
// bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
