package ingest

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSegmentArgs(t *testing.T) {
	args := segmentArgs(SegmenterConfig{
		CameraID:     "cam-front",
		RTSPURL:      "rtsp://10.0.0.4:554/stream1",
		OutputDir:    "/data/clips/t1/d1/cam-front/20260824",
		ChunkSeconds: 30,
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-rtsp_transport tcp",
		"-i rtsp://10.0.0.4:554/stream1",
		"-c copy",
		"-f segment",
		"-segment_time 30",
		"-strftime 1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if got := args[len(args)-1]; got != "/data/clips/t1/d1/cam-front/20260824/%Y%m%d_%H%M%S.mp4" {
		t.Errorf("unexpected output pattern %q", got)
	}
}

// writeFakeRecorder creates an executable that ignores its arguments and
// sleeps, standing in for ffmpeg.
func writeFakeRecorder(t *testing.T, sleepSeconds int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg")
	script := "#!/bin/sh\nsleep " + itoa(sleepSeconds) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake recorder: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestStartAndStopSegmenter(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "segments")
	proc, err := startSegmenter(SegmenterConfig{
		CameraID:     "cam-1",
		RTSPURL:      "rtsp://unused",
		OutputDir:    outDir,
		ChunkSeconds: 30,
		FFmpegPath:   writeFakeRecorder(t, 30),
		Logger:       slog.Default(),
	}, nil)
	if err != nil {
		t.Fatalf("startSegmenter: %v", err)
	}
	if _, err := os.Stat(outDir); err != nil {
		t.Fatalf("output directory not created: %v", err)
	}
	if !proc.running() {
		t.Fatal("expected process to be running")
	}

	done := make(chan struct{})
	go func() {
		proc.stop(2 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not complete")
	}
	if proc.running() {
		t.Fatal("expected process to be stopped")
	}
}

func TestSegmenterExitClosesDone(t *testing.T) {
	exited := make(chan error, 1)
	proc, err := startSegmenter(SegmenterConfig{
		CameraID:     "cam-1",
		RTSPURL:      "rtsp://unused",
		OutputDir:    filepath.Join(t.TempDir(), "segments"),
		ChunkSeconds: 30,
		FFmpegPath:   writeFakeRecorder(t, 0),
		Logger:       slog.Default(),
	}, func(err error) { exited <- err })
	if err != nil {
		t.Fatalf("startSegmenter: %v", err)
	}
	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("unexpected exit error: %v", err)
		}
	default:
		t.Fatal("onExit was not invoked")
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	w := newLogWriter(slog.Default(), "cam-1", "stderr")
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.buf) == 0 {
		t.Fatal("expected partial line to be buffered")
	}
	if _, err := w.Write([]byte(" line\nsecond line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.buf) != 0 {
		t.Fatalf("expected buffer drained, have %q", w.buf)
	}
}
