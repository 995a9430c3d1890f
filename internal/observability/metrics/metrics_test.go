package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "event id segment",
			method:   "post",
			path:     "/events/evt-20250101-010203-ab12",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash",
			method:   "POST",
			path:     "/events/evt-20250101-010203-cd34/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi segments",
			method:   "PATCH",
			path:     "clips/cam/4567/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestUploadGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	finishes := 150

	wg.Add(starts + finishes)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.UploadStarted()
		}()
	}
	for i := 0; i < finishes; i++ {
		go func() {
			defer wg.Done()
			recorder.UploadFinished("complete", "uploaded")
		}()
	}

	wg.Wait()

	if active := recorder.ActiveUploads(); active != 0 {
		t.Fatalf("active uploads should not go negative; got %d", active)
	}

	counts := recorder.UploadOutcomeCounts()
	label := UploadOutcomeLabel{Step: "complete", Outcome: "uploaded"}
	if counts[label] != uint64(finishes) {
		t.Fatalf("unexpected outcome count: got %d want %d", counts[label], finishes)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/events/pending", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/events/pending/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/events/new", 201, time.Second)

	recorder.UploadStarted()
	recorder.UploadStarted()
	recorder.UploadFinished("metadata", "uploaded")

	recorder.ObserveRetrySleep("uploader")
	recorder.ObserveRetrySleep("uploader")

	recorder.ObserveSyncOutcome("model", "installed")
	recorder.ObserveSyncOutcome("kb", "failed")

	recorder.SegmenterStarted()
	recorder.ObserveSegmenterRestart("cam-entrance-01")
	recorder.SetCameraHealth(" Cam-Entrance-01 ", "Running")
	recorder.SetCameraHealth("cam-dock-02", "down")

	recorder.ObserveHeartbeat("sent")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP vss_http_requests_total Total number of HTTP requests processed
# TYPE vss_http_requests_total counter
vss_http_requests_total{method="GET",path="/events/pending",status="200"} 2
vss_http_requests_total{method="POST",path="/events/new",status="201"} 1
# HELP vss_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE vss_http_request_duration_seconds_sum counter
vss_http_request_duration_seconds_sum{method="GET",path="/events/pending",status="200"} 0.200000
vss_http_request_duration_seconds_sum{method="POST",path="/events/new",status="201"} 1.000000
# HELP vss_upload_transactions_total Upload transactions by terminating step and outcome
# TYPE vss_upload_transactions_total counter
vss_upload_transactions_total{step="metadata",outcome="uploaded"} 1
# HELP vss_active_uploads Current number of in-flight upload transactions
# TYPE vss_active_uploads gauge
vss_active_uploads 1
# HELP vss_retry_sleeps_total Backoff sleeps taken by worker
# TYPE vss_retry_sleeps_total counter
vss_retry_sleeps_total{worker="uploader"} 2
# HELP vss_sync_installs_total Package installations by kind and outcome
# TYPE vss_sync_installs_total counter
vss_sync_installs_total{kind="kb",outcome="failed"} 1
vss_sync_installs_total{kind="model",outcome="installed"} 1
# HELP vss_segmenter_restarts_total Segmenter process restarts by camera
# TYPE vss_segmenter_restarts_total counter
vss_segmenter_restarts_total{camera="cam-entrance-01"} 1
# HELP vss_camera_health Camera segmenter health (1=running,0=paused,-1=down)
# TYPE vss_camera_health gauge
vss_camera_health{camera="cam-dock-02"} -1.000000
vss_camera_health{camera="cam-entrance-01"} 1.000000
# HELP vss_active_segmenters Current number of running camera segmenters
# TYPE vss_active_segmenters gauge
vss_active_segmenters 1
# HELP vss_heartbeats_total Control-plane heartbeat publishes by result
# TYPE vss_heartbeats_total counter
vss_heartbeats_total{result="sent"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveSyncOutcome("model", "installed")
	recorder.SegmenterStarted()
	recorder.Reset()

	if counts := recorder.SyncOutcomeCounts(); len(counts) != 0 {
		t.Fatalf("expected empty sync counts after reset, got %v", counts)
	}
	if active := recorder.ActiveSegmenters(); active != 0 {
		t.Fatalf("expected zero active segmenters after reset, got %d", active)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
