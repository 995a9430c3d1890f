package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
)

// EventSubmitter hands an extracted clip to the aggregator as a new event.
type EventSubmitter interface {
	SubmitClip(ctx context.Context, cameraID, clipPath string, from, to time.Time) (string, error)
}

// AggregatorClient submits events to the local aggregator over HTTP.
type AggregatorClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewAggregatorClient(baseURL string) *AggregatorClient {
	return &AggregatorClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitClip posts a clip_extracted event and returns the assigned event id.
func (c *AggregatorClient) SubmitClip(ctx context.Context, cameraID, clipPath string, from, to time.Time) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"camera_id":  cameraID,
		"event_type": "clip_extracted",
		"clip_path":  clipPath,
		"timestamp":  from.UTC().Format(time.RFC3339),
		"confidence": 1.0,
		"window": map[string]string{
			"from": from.UTC().Format(time.RFC3339),
			"to":   to.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode clip event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/events/new", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit clip event: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("aggregator rejected clip event: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode aggregator response: %w", err)
	}
	return parsed.EventID, nil
}

// Service is the ingest HTTP surface: clip extraction, camera status, health.
type Service struct {
	Supervisor *Supervisor
	Extractor  *Extractor
	Submitter  EventSubmitter
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

func (s *Service) recorder() *metrics.Recorder {
	if s.Metrics != nil {
		return s.Metrics
	}
	return metrics.Default()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Routes assembles the ingest mux with logging and request metrics.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/clips/extract", s.ExtractClip)
	mux.HandleFunc("/status", s.CameraStatus)
	mux.HandleFunc("/health", s.Health)
	mux.Handle("/metrics", s.recorder().Handler())

	chain := metrics.HTTPMiddleware(s.recorder(), mux)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger()})(chain)
	return chain
}

type extractRequest struct {
	CameraID string `json:"camera_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// ExtractClip stitches a clip for the requested window and submits it as a
// new event.
func (s *Service) ExtractClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	from, err := time.Parse(time.RFC3339, req.From)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid from timestamp: %w", err))
		return
	}
	to, err := time.Parse(time.RFC3339, req.To)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid to timestamp: %w", err))
		return
	}

	ctx := logging.ContextWithCameraID(r.Context(), req.CameraID)
	clipPath, err := s.Extractor.Extract(ctx, req.CameraID, from, to)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if strings.Contains(err.Error(), "unknown camera") {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err)
		return
	}

	eventID := ""
	if s.Submitter != nil {
		eventID, err = s.Submitter.SubmitClip(ctx, req.CameraID, clipPath, from, to)
		if err != nil {
			logging.WithContext(ctx, s.logger()).Error("submit extracted clip failed", "clip_path", clipPath, "error", err)
			writeJSONError(w, http.StatusBadGateway, err)
			return
		}
	}

	writeJSONBody(w, http.StatusCreated, map[string]string{
		"clip_path": clipPath,
		"event_id":  eventID,
	})
}

// CameraStatus reports every camera's supervision state.
func (s *Service) CameraStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]interface{}{"cameras": s.Supervisor.Status()})
}

// Health is degraded when any camera is down or paused.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	states := s.Supervisor.Status()
	status := "ok"
	code := http.StatusOK
	for _, st := range states {
		if st.Status == cameraBackoff || st.Status == cameraPaused {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSONBody(w, code, map[string]interface{}{"status": status, "cameras": len(states)})
}

func writeJSONBody(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSONBody(w, status, map[string]string{"error": err.Error()})
}
