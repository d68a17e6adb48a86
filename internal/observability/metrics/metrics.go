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

// Recorder aggregates in-memory counters and gauges for HTTP traffic, video
// ingestion, and transcode jobs. It coordinates concurrent writers via a
// RWMutex while exposing an atomic gauge for jobs currently running.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	uploadEvents     map[string]uint64
	bytesIngested    uint64
	transcodeEvents  map[string]uint64
	activeTranscodes atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		transcodeEvents: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not carry
// their own instrumentation wiring.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
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

// ObserveUpload records one ingestion attempt keyed by outcome ("accepted",
// "rejected", "failed") and, for stored payloads, the bytes written.
func (r *Recorder) ObserveUpload(outcome string, bytes int64) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	if bytes > 0 {
		r.bytesIngested += uint64(bytes)
	}
	r.mu.Unlock()
}

// TranscodeStarted records the start of a conversion job and increments the
// active job gauge.
func (r *Recorder) TranscodeStarted() {
	r.recordTranscodeEvent("start")
	r.activeTranscodes.Add(1)
}

// TranscodeCompleted records a successful conversion and decrements the
// active job gauge.
func (r *Recorder) TranscodeCompleted() {
	r.recordTranscodeEvent("complete")
	r.decrementGauge(&r.activeTranscodes)
}

// TranscodeFailed records a failed conversion and decrements the active job
// gauge without letting it go negative when a job never started.
func (r *Recorder) TranscodeFailed() {
	r.recordTranscodeEvent("fail")
	r.decrementGauge(&r.activeTranscodes)
}

func (r *Recorder) recordTranscodeEvent(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.transcodeEvents[normalized]++
	r.mu.Unlock()
}

// ActiveTranscodes exposes the current number of running conversion jobs.
func (r *Recorder) ActiveTranscodes() int64 {
	return r.activeTranscodes.Load()
}

// UploadCounts returns copies of upload outcome counters and the cumulative
// ingested byte total for tests and reporting.
func (r *Recorder) UploadCounts() (events map[string]uint64, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		events[k] = v
	}
	return events, r.bytesIngested
}

// TranscodeCounts returns copies of transcode event counters and the current
// active job gauge value.
func (r *Recorder) TranscodeCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.activeTranscodes.Load()
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.bytesIngested = 0
	r.transcodeEvents = make(map[string]uint64)
	r.activeTranscodes.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := sortedKeys(r.uploadEvents)
	transcodeEvents := sortedKeys(r.transcodeEvents)

	fmt.Fprintln(w, "# HELP stagetime_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE stagetime_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "stagetime_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP stagetime_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE stagetime_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "stagetime_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP stagetime_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE stagetime_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "stagetime_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP stagetime_upload_events_total Video upload attempts by outcome")
	fmt.Fprintln(w, "# TYPE stagetime_upload_events_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "stagetime_upload_events_total{outcome=\"%s\"} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP stagetime_upload_bytes_total Cumulative bytes of raw video accepted into object storage")
	fmt.Fprintln(w, "# TYPE stagetime_upload_bytes_total counter")
	fmt.Fprintf(w, "stagetime_upload_bytes_total %d\n", r.bytesIngested)

	fmt.Fprintln(w, "# HELP stagetime_transcode_events_total Transcode job lifecycle events by status")
	fmt.Fprintln(w, "# TYPE stagetime_transcode_events_total counter")
	for _, event := range transcodeEvents {
		fmt.Fprintf(w, "stagetime_transcode_events_total{status=\"%s\"} %d\n", event, r.transcodeEvents[event])
	}

	fmt.Fprintln(w, "# HELP stagetime_active_transcodes Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE stagetime_active_transcodes gauge")
	fmt.Fprintf(w, "stagetime_active_transcodes %d\n", r.activeTranscodes.Load())
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

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
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
	return digitCount >= 1 && digitCount == len(segment)
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
