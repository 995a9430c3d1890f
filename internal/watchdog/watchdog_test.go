package watchdog

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"vss-edge/internal/config"
	"vss-edge/internal/observability/metrics"
)

// flakyService is a health endpoint whose behaviour can be flipped.
type flakyService struct {
	mu      sync.Mutex
	healthy bool
	server  *httptest.Server
}

func newFlakyService(t *testing.T, healthy bool) *flakyService {
	t.Helper()
	svc := &flakyService{healthy: healthy}
	svc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		svc.mu.Lock()
		ok := svc.healthy
		svc.mu.Unlock()
		if !ok {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(svc.server.Close)
	return svc
}

func (s *flakyService) setHealthy(v bool) {
	s.mu.Lock()
	s.healthy = v
	s.mu.Unlock()
}

func (s *flakyService) port(t *testing.T) int {
	t.Helper()
	_, portText, err := net.SplitHostPort(s.server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

type restartRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *restartRecorder) restart(ctx context.Context, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, service)
	return nil
}

func (r *restartRecorder) restarted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newWatchdog(t *testing.T, services map[string]int, threshold int, restart RestartFunc) *Watchdog {
	t.Helper()
	return New(Config{
		Watchdog: config.WatchdogConfig{
			Services:             services,
			CheckIntervalSeconds: 1,
			FailureThreshold:     threshold,
		},
		Restart: restart,
		Metrics: metrics.New(),
	})
}

func TestHealthyServicesStayOK(t *testing.T) {
	agg := newFlakyService(t, true)
	upl := newFlakyService(t, true)
	w := newWatchdog(t, map[string]int{"aggregator": agg.port(t), "uploader": upl.port(t)}, 3, nil)

	w.CheckAll(context.Background())
	for _, st := range w.Status() {
		if st.Status != statusOK || st.ConsecutiveFailures != 0 {
			t.Fatalf("service %s state %+v", st.Name, st)
		}
	}
}

func TestRestartAfterThresholdFailures(t *testing.T) {
	svc := newFlakyService(t, false)
	rec := &restartRecorder{}
	w := newWatchdog(t, map[string]int{"aggregator": svc.port(t)}, 3, rec.restart)

	ctx := context.Background()
	w.CheckAll(ctx)
	w.CheckAll(ctx)
	if got := rec.restarted(); len(got) != 0 {
		t.Fatalf("restart fired before threshold: %v", got)
	}
	state := w.Status()[0]
	if state.Status != statusDegraded || state.ConsecutiveFailures != 2 {
		t.Fatalf("state before threshold %+v", state)
	}

	w.CheckAll(ctx)
	if got := rec.restarted(); len(got) != 1 || got[0] != "aggregator" {
		t.Fatalf("restart calls %v", got)
	}
	state = w.Status()[0]
	if state.Restarts != 1 || state.ConsecutiveFailures != 0 {
		t.Fatalf("state after restart %+v", state)
	}

	// Recovery resets the state to ok.
	svc.setHealthy(true)
	w.CheckAll(ctx)
	state = w.Status()[0]
	if state.Status != statusOK || state.LastError != "" {
		t.Fatalf("state after recovery %+v", state)
	}
}

func TestFailuresResetOnRecovery(t *testing.T) {
	svc := newFlakyService(t, false)
	rec := &restartRecorder{}
	w := newWatchdog(t, map[string]int{"ingest": svc.port(t)}, 3, rec.restart)

	ctx := context.Background()
	w.CheckAll(ctx)
	w.CheckAll(ctx)
	svc.setHealthy(false) // still down, but flip up before the third check
	svc.setHealthy(true)
	w.CheckAll(ctx)
	svc.setHealthy(false)
	w.CheckAll(ctx)
	w.CheckAll(ctx)

	if got := rec.restarted(); len(got) != 0 {
		t.Fatalf("restart fired despite intervening recovery: %v", got)
	}
}

func TestUnreachableServiceCountsAsFailure(t *testing.T) {
	// A closed port: bind a listener, grab the port, close it again.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	rec := &restartRecorder{}
	w := newWatchdog(t, map[string]int{"cv": port}, 1, rec.restart)
	w.CheckAll(context.Background())
	if got := rec.restarted(); len(got) != 1 {
		t.Fatalf("restart calls %v, want one", got)
	}
}

func TestAggregateHealthEndpoint(t *testing.T) {
	healthy := newFlakyService(t, true)
	failing := newFlakyService(t, false)
	w := newWatchdog(t, map[string]int{"aggregator": healthy.port(t), "uploader": failing.port(t)}, 3, nil)

	srv := httptest.NewServer(w.Routes())
	defer srv.Close()

	w.CheckAll(context.Background())
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
	var out struct {
		Status   string         `json:"status"`
		Services []ServiceState `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != statusDegraded {
		t.Errorf("aggregate status %q", out.Status)
	}
	if len(out.Services) != 2 || out.Services[0].Name != "aggregator" {
		t.Errorf("services %+v", out.Services)
	}

	failing.setHealthy(true)
	w.CheckAll(context.Background())
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after recovery %d, want 200", resp.StatusCode)
	}
}

func TestRunLoopPolls(t *testing.T) {
	svc := newFlakyService(t, true)
	w := newWatchdog(t, map[string]int{"sync": svc.port(t)}, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := w.Status()[0]; st.LastChecked.IsZero() {
		t.Fatal("Run never checked the service")
	}
}
