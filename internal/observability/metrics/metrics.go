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

// UploadOutcomeLabel identifies an upload transaction result by the step that
// ended the transaction and its outcome ("uploaded", "retry", "failed").
type UploadOutcomeLabel struct {
	Step    string
	Outcome string
}

// SyncOutcomeLabel identifies a package installation result by artifact kind
// ("model" or "kb") and outcome ("installed", "failed").
type SyncOutcomeLabel struct {
	Kind    string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, the
// upload pipeline, camera segmenters, and the sync worker. Writers coordinate
// via a RWMutex; gauges use atomics so hot paths stay lock-free.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadOutcomes  map[UploadOutcomeLabel]uint64
	retrySleeps     map[string]uint64
	syncOutcomes    map[SyncOutcomeLabel]uint64
	cameraRestarts  map[string]uint64
	cameraHealth    map[string]float64
	heartbeats      map[string]uint64
	activeUploads   atomic.Int64
	activeCameras   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadOutcomes:  make(map[UploadOutcomeLabel]uint64),
		retrySleeps:     make(map[string]uint64),
		syncOutcomes:    make(map[SyncOutcomeLabel]uint64),
		cameraRestarts:  make(map[string]uint64),
		cameraHealth:    make(map[string]float64),
		heartbeats:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not carry
// their own instrumentation pipeline.
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

// UploadStarted increments the gauge of in-flight upload transactions.
func (r *Recorder) UploadStarted() {
	r.activeUploads.Add(1)
}

// UploadFinished records the outcome of one upload transaction and decrements
// the in-flight gauge.
func (r *Recorder) UploadFinished(step, outcome string) {
	label := UploadOutcomeLabel{Step: normalizeName(step), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.uploadOutcomes[label]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeUploads)
}

// ObserveRetrySleep records a backoff sleep taken by the named worker.
func (r *Recorder) ObserveRetrySleep(worker string) {
	name := normalizeName(worker)
	r.mu.Lock()
	r.retrySleeps[name]++
	r.mu.Unlock()
}

// ObserveSyncOutcome records the result of one package installation.
func (r *Recorder) ObserveSyncOutcome(kind, outcome string) {
	label := SyncOutcomeLabel{Kind: normalizeName(kind), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.syncOutcomes[label]++
	r.mu.Unlock()
}

// SegmenterStarted increments the gauge of running camera segmenters.
func (r *Recorder) SegmenterStarted() {
	r.activeCameras.Add(1)
}

// SegmenterStopped decrements the gauge of running camera segmenters.
func (r *Recorder) SegmenterStopped() {
	r.decrementGauge(&r.activeCameras)
}

// ObserveSegmenterRestart records a restart of the named camera's segmenter.
func (r *Recorder) ObserveSegmenterRestart(cameraID string) {
	name := normalizeName(cameraID)
	r.mu.Lock()
	r.cameraRestarts[name]++
	r.mu.Unlock()
}

// SetCameraHealth maps a camera status string to a numeric health value
// (1=running, 0=paused, -1=down) and stores it for export.
func (r *Recorder) SetCameraHealth(cameraID, status string) {
	name := normalizeName(cameraID)
	value := -1.0
	switch normalizeName(status) {
	case "running", "ok":
		value = 1
	case "paused", "disabled":
		value = 0
	}
	r.mu.Lock()
	r.cameraHealth[name] = value
	r.mu.Unlock()
}

// ObserveHeartbeat records a control-plane heartbeat publish by result
// ("ok" or "error").
func (r *Recorder) ObserveHeartbeat(result string) {
	name := normalizeName(result)
	r.mu.Lock()
	r.heartbeats[name]++
	r.mu.Unlock()
}

// ActiveUploads exposes the current gauge of in-flight upload transactions.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// ActiveSegmenters exposes the current gauge of running camera segmenters.
func (r *Recorder) ActiveSegmenters() int64 {
	return r.activeCameras.Load()
}

// UploadOutcomeCounts returns a copy of the upload outcome counters for
// testing and reporting.
func (r *Recorder) UploadOutcomeCounts() map[UploadOutcomeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[UploadOutcomeLabel]uint64, len(r.uploadOutcomes))
	for k, v := range r.uploadOutcomes {
		out[k] = v
	}
	return out
}

// SyncOutcomeCounts returns a copy of the sync outcome counters.
func (r *Recorder) SyncOutcomeCounts() map[SyncOutcomeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[SyncOutcomeLabel]uint64, len(r.syncOutcomes))
	for k, v := range r.syncOutcomes {
		out[k] = v
	}
	return out
}

// SegmenterRestartCounts returns a copy of the per-camera restart counters.
func (r *Recorder) SegmenterRestartCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.cameraRestarts))
	for k, v := range r.cameraRestarts {
		out[k] = v
	}
	return out
}

// HeartbeatCounts returns a copy of the heartbeat result counters.
func (r *Recorder) HeartbeatCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.heartbeats))
	for k, v := range r.heartbeats {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadOutcomes = make(map[UploadOutcomeLabel]uint64)
	r.retrySleeps = make(map[string]uint64)
	r.syncOutcomes = make(map[SyncOutcomeLabel]uint64)
	r.cameraRestarts = make(map[string]uint64)
	r.cameraHealth = make(map[string]float64)
	r.heartbeats = make(map[string]uint64)
	r.activeUploads.Store(0)
	r.activeCameras.Store(0)
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
	uploadLabels := r.sortedUploadLabels()
	syncLabels := r.sortedSyncLabels()
	workers := sortedKeys(r.retrySleeps)
	restartCameras := sortedKeys(r.cameraRestarts)
	healthCameras := sortedKeys(r.cameraHealth)
	heartbeatResults := sortedKeys(r.heartbeats)

	fmt.Fprintln(w, "# HELP vss_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE vss_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vss_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vss_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vss_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vss_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vss_upload_transactions_total Upload transactions by terminating step and outcome")
	fmt.Fprintln(w, "# TYPE vss_upload_transactions_total counter")
	for _, label := range uploadLabels {
		count := r.uploadOutcomes[label]
		fmt.Fprintf(w, "vss_upload_transactions_total{step=\"%s\",outcome=\"%s\"} %d\n", label.Step, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP vss_active_uploads Current number of in-flight upload transactions")
	fmt.Fprintln(w, "# TYPE vss_active_uploads gauge")
	fmt.Fprintf(w, "vss_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP vss_retry_sleeps_total Backoff sleeps taken by worker")
	fmt.Fprintln(w, "# TYPE vss_retry_sleeps_total counter")
	for _, worker := range workers {
		fmt.Fprintf(w, "vss_retry_sleeps_total{worker=\"%s\"} %d\n", worker, r.retrySleeps[worker])
	}

	fmt.Fprintln(w, "# HELP vss_sync_installs_total Package installations by kind and outcome")
	fmt.Fprintln(w, "# TYPE vss_sync_installs_total counter")
	for _, label := range syncLabels {
		count := r.syncOutcomes[label]
		fmt.Fprintf(w, "vss_sync_installs_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.Kind, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP vss_segmenter_restarts_total Segmenter process restarts by camera")
	fmt.Fprintln(w, "# TYPE vss_segmenter_restarts_total counter")
	for _, camera := range restartCameras {
		fmt.Fprintf(w, "vss_segmenter_restarts_total{camera=\"%s\"} %d\n", camera, r.cameraRestarts[camera])
	}

	fmt.Fprintln(w, "# HELP vss_camera_health Camera segmenter health (1=running,0=paused,-1=down)")
	fmt.Fprintln(w, "# TYPE vss_camera_health gauge")
	for _, camera := range healthCameras {
		fmt.Fprintf(w, "vss_camera_health{camera=\"%s\"} %f\n", camera, r.cameraHealth[camera])
	}

	fmt.Fprintln(w, "# HELP vss_active_segmenters Current number of running camera segmenters")
	fmt.Fprintln(w, "# TYPE vss_active_segmenters gauge")
	fmt.Fprintf(w, "vss_active_segmenters %d\n", r.activeCameras.Load())

	fmt.Fprintln(w, "# HELP vss_heartbeats_total Control-plane heartbeat publishes by result")
	fmt.Fprintln(w, "# TYPE vss_heartbeats_total counter")
	for _, result := range heartbeatResults {
		fmt.Fprintf(w, "vss_heartbeats_total{result=\"%s\"} %d\n", result, r.heartbeats[result])
	}
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

func (r *Recorder) sortedUploadLabels() []UploadOutcomeLabel {
	labels := make([]UploadOutcomeLabel, 0, len(r.uploadOutcomes))
	for label := range r.uploadOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Step != labels[j].Step {
			return labels[i].Step < labels[j].Step
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedSyncLabels() []SyncOutcomeLabel {
	labels := make([]SyncOutcomeLabel, 0, len(r.syncOutcomes))
	for label := range r.syncOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
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
			continue
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
	return digitCount >= 4
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

// UploadStarted increments the in-flight upload gauge on the default recorder.
func UploadStarted() {
	defaultRecorder.UploadStarted()
}

// UploadFinished records an upload outcome on the default recorder.
func UploadFinished(step, outcome string) {
	defaultRecorder.UploadFinished(step, outcome)
}

// ObserveRetrySleep records a backoff sleep on the default recorder.
func ObserveRetrySleep(worker string) {
	defaultRecorder.ObserveRetrySleep(worker)
}

// ObserveSyncOutcome records a package installation on the default recorder.
func ObserveSyncOutcome(kind, outcome string) {
	defaultRecorder.ObserveSyncOutcome(kind, outcome)
}

// ObserveSegmenterRestart records a segmenter restart on the default recorder.
func ObserveSegmenterRestart(cameraID string) {
	defaultRecorder.ObserveSegmenterRestart(cameraID)
}

// SetCameraHealth updates camera health on the default recorder.
func SetCameraHealth(cameraID, status string) {
	defaultRecorder.SetCameraHealth(cameraID, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
