package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vss-edge/internal/observability/metrics"
)

type fakeSubmitter struct {
	cameraID string
	clipPath string
	from, to time.Time
	err      error
}

func (f *fakeSubmitter) SubmitClip(ctx context.Context, cameraID, clipPath string, from, to time.Time) (string, error) {
	f.cameraID = cameraID
	f.clipPath = clipPath
	f.from, f.to = from, to
	if f.err != nil {
		return "", f.err
	}
	return "evt-20260824-120000-abcd", nil
}

func newTestService(t *testing.T) (*Service, *Supervisor, *fakeSubmitter) {
	t.Helper()
	sup := testSupervisor(t, t.TempDir())
	sub := &fakeSubmitter{}
	svc := &Service{
		Supervisor: sup,
		Extractor:  NewExtractor(ExtractorConfig{Supervisor: sup, ChunkSeconds: 30, Stitch: byteConcatStitch}),
		Submitter:  sub,
		Metrics:    metrics.New(),
	}
	return svc, sup, sub
}

func TestExtractClipEndpoint(t *testing.T) {
	svc, sup, sub := newTestService(t)
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	writeSegment(t, sup, "cam-1", day, "A")

	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	body := `{"camera_id":"cam-1","from":"2026-08-24T12:00:00Z","to":"2026-08-24T12:00:30Z"}`
	resp, err := http.Post(srv.URL+"/clips/extract", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d, want 201", resp.StatusCode)
	}
	var out struct {
		ClipPath string `json:"clip_path"`
		EventID  string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.EventID != "evt-20260824-120000-abcd" {
		t.Errorf("event_id = %q", out.EventID)
	}
	if out.ClipPath == "" || sub.clipPath != out.ClipPath {
		t.Errorf("clip path mismatch: response %q, submitted %q", out.ClipPath, sub.clipPath)
	}
	if sub.cameraID != "cam-1" {
		t.Errorf("submitted camera %q", sub.cameraID)
	}
}

func TestExtractClipEndpointErrors(t *testing.T) {
	svc, sup, _ := newTestService(t)
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	writeSegment(t, sup, "cam-1", day, "A")

	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad timestamp", `{"camera_id":"cam-1","from":"yesterday","to":"2026-08-24T12:00:30Z"}`, http.StatusBadRequest},
		{"unknown camera", `{"camera_id":"cam-9","from":"2026-08-24T12:00:00Z","to":"2026-08-24T12:00:30Z"}`, http.StatusNotFound},
		{"no segments", `{"camera_id":"cam-1","from":"2026-08-20T12:00:00Z","to":"2026-08-20T12:00:30Z"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/clips/extract", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/clips/extract")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d, want 405", resp.StatusCode)
	}
}

func TestExtractClipSubmitterFailure(t *testing.T) {
	svc, sup, sub := newTestService(t)
	sub.err = context.DeadlineExceeded
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	writeSegment(t, sup, "cam-1", day, "A")

	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	body := `{"camera_id":"cam-1","from":"2026-08-24T12:00:00Z","to":"2026-08-24T12:00:30Z"}`
	resp, err := http.Post(srv.URL+"/clips/extract", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}
}

func TestCameraStatusEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var out struct {
		Cameras []CameraState `json:"cameras"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Cameras) != 1 || out.Cameras[0].CameraID != "cam-1" {
		t.Fatalf("unexpected cameras %+v", out.Cameras)
	}
}

func TestHealthReflectsCameraState(t *testing.T) {
	svc, sup, _ := newTestService(t)
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", resp.StatusCode)
	}

	sup.setState("cam-1", cameraBackoff, 3, "connection refused")
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded health status %d, want 503", resp.StatusCode)
	}
}

func TestAggregatorClientSubmitClip(t *testing.T) {
	var got map[string]interface{}
	agg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/new" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-20260824-120000-beef"})
	}))
	defer agg.Close()

	client := NewAggregatorClient(agg.URL)
	from := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	id, err := client.SubmitClip(context.Background(), "cam-1", "/data/clips/extracted/x.mp4", from, from.Add(30*time.Second))
	if err != nil {
		t.Fatalf("SubmitClip: %v", err)
	}
	if id != "evt-20260824-120000-beef" {
		t.Fatalf("event id %q", id)
	}
	if got["camera_id"] != "cam-1" || got["event_type"] != "clip_extracted" {
		t.Fatalf("payload %v", got)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer bad.Close()
	if _, err := NewAggregatorClient(bad.URL).SubmitClip(context.Background(), "cam-1", "/x.mp4", from, from.Add(time.Second)); err == nil {
		t.Fatal("expected error from rejecting aggregator")
	}
}
