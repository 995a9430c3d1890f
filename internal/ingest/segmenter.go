package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// SegmentTimeLayout is the strftime-equivalent layout of segment file names.
const SegmentTimeLayout = "20060102_150405"

// segmenterProcess wraps one running ffmpeg child. The child is its process
// group leader so signals reach ffmpeg's own children too.
type segmenterProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// SegmenterConfig describes one camera's recording job.
type SegmenterConfig struct {
	CameraID     string
	RTSPURL      string
	OutputDir    string
	ChunkSeconds int
	FFmpegPath   string
	Logger       *slog.Logger
}

// segmentArgs builds the ffmpeg argument list for continuous segmented
// recording with timestamped file names.
func segmentArgs(cfg SegmenterConfig) []string {
	pattern := filepath.Join(cfg.OutputDir, "%Y%m%d_%H%M%S.mp4")
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-i", cfg.RTSPURL,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", cfg.ChunkSeconds),
		"-segment_format", "mp4",
		"-reset_timestamps", "1",
		"-strftime", "1",
		pattern,
	}
}

// startSegmenter launches the ffmpeg child and begins waiting on it. onExit
// fires exactly once when the child terminates for any reason.
func startSegmenter(cfg SegmenterConfig, onExit func(error)) (*segmenterProcess, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare segment directory: %w", err)
	}

	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, ffmpeg, segmentArgs(cfg)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLogWriter(cfg.Logger, cfg.CameraID, "stdout")
	cmd.Stderr = newLogWriter(cfg.Logger, cfg.CameraID, "stderr")
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start segmenter for %s: %w", cfg.CameraID, err)
	}

	proc := &segmenterProcess{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		proc.err = err
		if onExit != nil {
			onExit(err)
		}
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

// stop terminates the child's whole process group: SIGTERM first, SIGKILL
// after the grace period.
func (p *segmenterProcess) stop(grace time.Duration) {
	if p == nil || p.cmd.Process == nil {
		return
	}
	pgid := p.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	<-p.done
}

func (p *segmenterProcess) running() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type logWriter struct {
	logger *slog.Logger
	camera string
	stream string
	buf    []byte
}

func newLogWriter(logger *slog.Logger, camera, stream string) *logWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &logWriter{logger: logger, camera: camera, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("segmenter output", "camera_id", w.camera, "stream", w.stream, "line", string(line))
	}
	return total, nil
}
