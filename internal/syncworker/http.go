package syncworker

import (
	"encoding/json"
	"net/http"

	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
)

// Routes exposes the sync worker's small HTTP surface: an on-demand sync
// trigger plus health and metrics.
func (w *Worker) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/force", w.forceSync)
	mux.HandleFunc("/health", w.health)
	mux.Handle("/metrics", w.metrics.Handler())

	chain := metrics.HTTPMiddleware(w.metrics, mux)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: w.logger})(chain)
	return chain
}

func (w *Worker) forceSync(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		writeStatus(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	w.Kick()
	writeStatus(rw, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (w *Worker) health(rw http.ResponseWriter, r *http.Request) {
	current, err := w.repo.CurrentKBVersion(r.Context())
	if err != nil {
		writeStatus(rw, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeStatus(rw, http.StatusOK, map[string]string{"status": "ok", "kb_version": current})
}

func writeStatus(rw http.ResponseWriter, status int, payload interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(payload)
}
