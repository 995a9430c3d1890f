package ingest

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
)

// CameraState is one camera's view in the /status snapshot.
type CameraState struct {
	CameraID  string    `json:"camera_id"`
	Status    string    `json:"status"`
	Restarts  int       `json:"restarts"`
	LastStart time.Time `json:"last_start"`
	LastError string    `json:"last_error,omitempty"`
}

const (
	cameraStarting = "starting"
	cameraRunning  = "running"
	cameraBackoff  = "backoff"
	cameraPaused   = "paused"
	cameraStopped  = "stopped"
)

// SupervisorConfig assembles a Supervisor.
type SupervisorConfig struct {
	TenantID     string
	DeviceID     string
	ClipBase     string
	ChunkSeconds int
	CameraURLs   map[string]string
	FFmpegPath   string
	DiskGate     *DiskGate
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	StopGrace    time.Duration
}

// Supervisor owns one monitoring task per camera plus the shared disk-budget
// task. Children never outlive the supervisor.
type Supervisor struct {
	tenantID     string
	deviceID     string
	clipBase     string
	chunkSeconds int
	ffmpegPath   string
	diskGate     *DiskGate
	logger       *slog.Logger
	metrics      *metrics.Recorder
	stopGrace    time.Duration

	mu     sync.Mutex
	states map[string]*CameraState
	urls   map[string]string
}

const (
	restartBackoffCap    = 600 * time.Second
	restartJitterSeconds = 5
	defaultStopGrace     = 10 * time.Second
	monitorInterval      = 5 * time.Second
)

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	chunk := cfg.ChunkSeconds
	if chunk <= 0 {
		chunk = 30
	}
	states := make(map[string]*CameraState, len(cfg.CameraURLs))
	urls := make(map[string]string, len(cfg.CameraURLs))
	for cameraID, url := range cfg.CameraURLs {
		states[cameraID] = &CameraState{CameraID: cameraID, Status: cameraStarting}
		urls[cameraID] = url
	}
	return &Supervisor{
		tenantID:     cfg.TenantID,
		deviceID:     cfg.DeviceID,
		clipBase:     cfg.ClipBase,
		chunkSeconds: chunk,
		ffmpegPath:   cfg.FFmpegPath,
		diskGate:     cfg.DiskGate,
		logger:       logging.WithComponent(logger, "ingest"),
		metrics:      recorder,
		stopGrace:    grace,
		states:       states,
		urls:         urls,
	}
}

// Run blocks until ctx is cancelled, supervising every camera and the disk
// budget task.
func (s *Supervisor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if s.diskGate != nil {
		group.Go(func() error {
			s.diskGate.Run(ctx)
			return nil
		})
	}

	s.mu.Lock()
	cameras := make([]string, 0, len(s.urls))
	for cameraID := range s.urls {
		cameras = append(cameras, cameraID)
	}
	s.mu.Unlock()

	for _, cameraID := range cameras {
		cameraID := cameraID
		group.Go(func() error {
			s.superviseCamera(ctx, cameraID)
			return nil
		})
	}
	return group.Wait()
}

// superviseCamera keeps one camera's segmenter alive: start, watch, restart
// with capped exponential backoff. The disk gate pauses new starts but never
// kills a running child.
func (s *Supervisor) superviseCamera(ctx context.Context, cameraID string) {
	logger := s.logger.With("camera_id", cameraID)
	restarts := 0

	for {
		if ctx.Err() != nil {
			s.setState(cameraID, cameraStopped, restarts, "")
			return
		}

		if s.diskGate != nil && s.diskGate.Paused() {
			s.setState(cameraID, cameraPaused, restarts, "disk budget exceeded")
			s.metrics.SetCameraHealth(cameraID, "paused")
			if !sleepCtx(ctx, monitorInterval) {
				return
			}
			continue
		}

		proc, err := startSegmenter(SegmenterConfig{
			CameraID:     cameraID,
			RTSPURL:      s.urls[cameraID],
			OutputDir:    s.SegmentDir(cameraID, time.Now().UTC()),
			ChunkSeconds: s.chunkSeconds,
			FFmpegPath:   s.ffmpegPath,
			Logger:       logger,
		}, nil)
		if err != nil {
			logger.Error("segmenter start failed", "error", err)
			s.setState(cameraID, cameraBackoff, restarts, err.Error())
			s.metrics.SetCameraHealth(cameraID, "down")
			restarts++
			s.metrics.ObserveSegmenterRestart(cameraID)
			if !sleepCtx(ctx, restartDelay(restarts)) {
				return
			}
			continue
		}

		logger.Info("segmenter started", "restarts", restarts)
		s.setState(cameraID, cameraRunning, restarts, "")
		s.metrics.SegmenterStarted()
		s.metrics.SetCameraHealth(cameraID, "running")

		exited := s.watch(ctx, proc)
		s.metrics.SegmenterStopped()

		if !exited {
			// Shutdown: terminate the child's process group and leave.
			proc.stop(s.stopGrace)
			s.setState(cameraID, cameraStopped, restarts, "")
			return
		}

		errText := ""
		if proc.err != nil {
			errText = proc.err.Error()
		}
		logger.Warn("segmenter exited, scheduling restart", "error", errText)
		s.metrics.SetCameraHealth(cameraID, "down")
		restarts++
		s.metrics.ObserveSegmenterRestart(cameraID)
		s.setState(cameraID, cameraBackoff, restarts, errText)
		if !sleepCtx(ctx, restartDelay(restarts)) {
			return
		}
	}
}

// watch waits for child exit or context cancellation, polling roughly every
// monitorInterval. Returns true when the child exited on its own.
func (s *Supervisor) watch(ctx context.Context, proc *segmenterProcess) bool {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-proc.done:
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !proc.running() {
				return true
			}
		}
	}
}

// restartDelay computes min(2^n, 600)s plus up to five seconds of jitter.
func restartDelay(restarts int) time.Duration {
	if restarts < 1 {
		restarts = 1
	}
	exp := math.Pow(2, float64(restarts))
	base := time.Duration(exp) * time.Second
	if base > restartBackoffCap {
		base = restartBackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(restartJitterSeconds * time.Second)))
	return base + jitter
}

// SegmentDir is the date-partitioned directory one camera records into.
func (s *Supervisor) SegmentDir(cameraID string, day time.Time) string {
	return filepath.Join(s.clipBase, s.tenantID, s.deviceID, cameraID, day.Format("20060102"))
}

// CameraDir is the camera's root across all days.
func (s *Supervisor) CameraDir(cameraID string) string {
	return filepath.Join(s.clipBase, s.tenantID, s.deviceID, cameraID)
}

// HasCamera reports whether the supervisor owns the camera.
func (s *Supervisor) HasCamera(cameraID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.urls[cameraID]
	return ok
}

// Status returns a stable snapshot of every camera's state.
func (s *Supervisor) Status() []CameraState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CameraState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	return out
}

func (s *Supervisor) setState(cameraID, status string, restarts int, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[cameraID]
	if !ok {
		return
	}
	st.Status = status
	st.Restarts = restarts
	st.LastError = lastError
	if status == cameraRunning {
		st.LastStart = time.Now().UTC()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
