// Package watchdog polls the health endpoints of the local edge services
// and triggers a restart hook once a service fails enough consecutive
// checks. The actual restart mechanism (systemd, container manager) is
// supplied by the integrator.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusCritical = "critical"
)

// RestartFunc restarts one named service. It is called after a service
// crosses the failure threshold.
type RestartFunc func(ctx context.Context, service string) error

// ServiceState is one service's view in the aggregate health report.
type ServiceState struct {
	Name                string    `json:"name"`
	Port                int       `json:"port"`
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Restarts            int       `json:"restarts"`
	LastChecked         time.Time `json:"last_checked"`
	LastError           string    `json:"last_error,omitempty"`
}

// Config assembles a Watchdog from the device watchdog section.
type Config struct {
	Watchdog   config.WatchdogConfig
	Host       string
	Restart    RestartFunc
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Watchdog owns the polling loop and the aggregate health surface.
type Watchdog struct {
	host      string
	interval  time.Duration
	threshold int
	restart   RestartFunc
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu       sync.Mutex
	services map[string]*ServiceState
}

func New(cfg Config) *Watchdog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	interval := time.Duration(cfg.Watchdog.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	threshold := cfg.Watchdog.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	services := make(map[string]*ServiceState, len(cfg.Watchdog.Services))
	for name, port := range cfg.Watchdog.Services {
		services[name] = &ServiceState{Name: name, Port: port, Status: statusOK}
	}
	return &Watchdog{
		host:      host,
		interval:  interval,
		threshold: threshold,
		restart:   cfg.Restart,
		client:    client,
		logger:    logging.WithComponent(logger, "watchdog"),
		metrics:   recorder,
		services:  services,
	}
}

// Run polls all services until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.CheckAll(ctx)
		}
	}
}

// CheckAll performs one polling pass over every configured service.
func (w *Watchdog) CheckAll(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.services))
	for name := range w.services {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.checkService(ctx, name)
	}
}

func (w *Watchdog) checkService(ctx context.Context, name string) {
	w.mu.Lock()
	st, ok := w.services[name]
	if !ok {
		w.mu.Unlock()
		return
	}
	port := st.Port
	w.mu.Unlock()

	err := w.probe(ctx, port)

	w.mu.Lock()
	st.LastChecked = time.Now().UTC()
	if err == nil {
		if st.Status == statusCritical {
			w.logger.Info("service recovered", "service", name)
		}
		st.Status = statusOK
		st.ConsecutiveFailures = 0
		st.LastError = ""
		w.mu.Unlock()
		return
	}

	st.ConsecutiveFailures++
	st.LastError = err.Error()
	critical := st.ConsecutiveFailures >= w.threshold
	if critical {
		st.Status = statusCritical
	} else {
		st.Status = statusDegraded
	}
	failures := st.ConsecutiveFailures
	w.mu.Unlock()

	w.logger.Warn("service health check failed", "service", name, "failures", failures, "error", err)
	if !critical {
		return
	}
	if w.restart == nil {
		w.logger.Error("service critical, no restart hook configured", "service", name)
		return
	}
	w.logger.Error("service critical, restarting", "service", name)
	if err := w.restart(ctx, name); err != nil {
		w.logger.Error("restart failed", "service", name, "error", err)
		return
	}
	w.mu.Lock()
	st.Restarts++
	st.ConsecutiveFailures = 0
	st.Status = statusDegraded
	w.mu.Unlock()
}

func (w *Watchdog) probe(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://%s:%d/health", w.host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

// Status returns a stable snapshot sorted by service name.
func (w *Watchdog) Status() []ServiceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ServiceState, 0, len(w.services))
	for _, st := range w.services {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Routes exposes the aggregate health report.
func (w *Watchdog) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", w.aggregateHealth)
	mux.Handle("/metrics", w.metrics.Handler())

	chain := metrics.HTTPMiddleware(w.metrics, mux)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: w.logger})(chain)
	return chain
}

func (w *Watchdog) aggregateHealth(rw http.ResponseWriter, r *http.Request) {
	states := w.Status()
	overall := statusOK
	code := http.StatusOK
	for _, st := range states {
		switch st.Status {
		case statusCritical:
			overall = statusCritical
			code = http.StatusServiceUnavailable
		case statusDegraded:
			if overall == statusOK {
				overall = statusDegraded
				code = http.StatusServiceUnavailable
			}
		}
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(map[string]interface{}{
		"status":   overall,
		"services": states,
	})
}
