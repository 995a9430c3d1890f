package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/store"
)

// Repository is the slice of the store the aggregator needs.
type Repository interface {
	InsertEvent(ctx context.Context, eventID string, document []byte, clipPath string) (string, error)
	GetEvent(ctx context.Context, eventID string) (store.Event, error)
	ListPendingUploads(ctx context.Context, limit int) ([]store.PendingUpload, error)
	UpdateUpload(ctx context.Context, uploadID string, update store.UploadUpdate) error
	Ping(ctx context.Context) error
}

// Identity stamps every accepted event with the device's coordinates.
type Identity struct {
	TenantID string
	DeviceID string
}

type Handler struct {
	Store    Repository
	Identity Identity
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	now func() time.Time
}

func NewHandler(repo Repository, identity Identity, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:    repo,
		Identity: identity,
		Logger:   logging.WithComponent(logger, "aggregator"),
		now:      time.Now,
	}
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// Routes assembles the aggregator mux with request logging and metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events/new", h.NewEvent)
	mux.HandleFunc("/events/pending", h.PendingUploads)
	mux.HandleFunc("/events/mark_status", h.MarkStatus)
	mux.HandleFunc("/health", h.Health)
	mux.Handle("/metrics", h.recorder().Handler())

	chain := metrics.HTTPMiddleware(h.recorder(), mux)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: h.Logger})(chain)
	return chain
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		logging.WithContext(r.Context(), h.Logger).Error("store ping failed", "error", err)
	}
	writeJSON(w, code, map[string]interface{}{
		"status":        status,
		"config_loaded": true,
		"device_id":     h.Identity.DeviceID,
	})
}
