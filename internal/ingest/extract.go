package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vss-edge/internal/observability/logging"
)

// StitchFunc joins ordered segment files into a single output clip.
// Production uses ffmpeg's concat demuxer; tests substitute a byte-level
// concatenation.
type StitchFunc func(ctx context.Context, segments []string, output string) error

// ExtractorConfig configures on-demand clip extraction from the segment tree.
type ExtractorConfig struct {
	Supervisor   *Supervisor
	ChunkSeconds int
	FFmpegPath   string
	Stitch       StitchFunc
	Logger       *slog.Logger
}

// Extractor produces a single stitched clip for a (camera, from, to) window
// by locating the overlapping recorded segments.
type Extractor struct {
	sup          *Supervisor
	chunkSeconds int
	stitch       StitchFunc
	logger       *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.ChunkSeconds
	if chunk <= 0 {
		chunk = 30
	}
	stitch := cfg.Stitch
	if stitch == nil {
		stitch = FFmpegStitch(cfg.FFmpegPath)
	}
	return &Extractor{
		sup:          cfg.Supervisor,
		chunkSeconds: chunk,
		stitch:       stitch,
		logger:       logging.WithComponent(logger, "extract"),
	}
}

// Extract locates the segments overlapping [from, to) and stitches them into
// {clip_base}/extracted/{camera}_{from}_{to}.mp4.
func (e *Extractor) Extract(ctx context.Context, cameraID string, from, to time.Time) (string, error) {
	if !to.After(from) {
		return "", fmt.Errorf("extraction window [%s, %s) is empty", from, to)
	}
	if !e.sup.HasCamera(cameraID) {
		return "", fmt.Errorf("unknown camera %q", cameraID)
	}

	segments, err := e.overlappingSegments(cameraID, from, to)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("no recorded segments overlap [%s, %s) for camera %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339), cameraID)
	}

	outDir := filepath.Join(e.sup.clipBase, "extracted")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare extracted directory: %w", err)
	}
	output := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s.mp4",
		cameraID, from.UTC().Format(SegmentTimeLayout), to.UTC().Format(SegmentTimeLayout)))

	if err := e.stitch(ctx, segments, output); err != nil {
		_ = os.Remove(output)
		return "", fmt.Errorf("stitch %d segments for %s: %w", len(segments), cameraID, err)
	}
	e.logger.Info("clip extracted", "camera_id", cameraID, "segments", len(segments), "output", output)
	return output, nil
}

// overlappingSegments walks the camera's date partitions covered by the
// window and returns overlapping segment paths in time order.
func (e *Extractor) overlappingSegments(cameraID string, from, to time.Time) ([]string, error) {
	type segment struct {
		path  string
		start time.Time
	}
	var found []segment

	chunk := time.Duration(e.chunkSeconds) * time.Second
	// A segment started up to one chunk before the window can still reach
	// into it, so the walk begins on the day of from-chunk.
	for day := from.Add(-chunk).UTC().Truncate(24 * time.Hour); !day.After(to.UTC()); day = day.Add(24 * time.Hour) {
		dir := e.sup.SegmentDir(cameraID, day)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read segment directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
				continue
			}
			start, err := time.ParseInLocation(SegmentTimeLayout, strings.TrimSuffix(entry.Name(), ".mp4"), time.UTC)
			if err != nil {
				continue
			}
			end := start.Add(chunk)
			if start.Before(to) && end.After(from) {
				found = append(found, segment{path: filepath.Join(dir, entry.Name()), start: start})
			}
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].start.Before(found[j].start) })
	paths := make([]string, len(found))
	for i, s := range found {
		paths[i] = s.path
	}
	return paths, nil
}

// FFmpegStitch returns a StitchFunc using ffmpeg's concat demuxer with
// stream copy.
func FFmpegStitch(ffmpegPath string) StitchFunc {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return func(ctx context.Context, segments []string, output string) error {
		list, err := os.CreateTemp(filepath.Dir(output), "concat-*.txt")
		if err != nil {
			return fmt.Errorf("create concat list: %w", err)
		}
		defer os.Remove(list.Name())
		for _, seg := range segments {
			if _, err := fmt.Fprintf(list, "file '%s'\n", seg); err != nil {
				list.Close()
				return fmt.Errorf("write concat list: %w", err)
			}
		}
		if err := list.Close(); err != nil {
			return fmt.Errorf("close concat list: %w", err)
		}

		cmd := exec.CommandContext(ctx, ffmpegPath,
			"-hide_banner", "-loglevel", "error", "-y",
			"-f", "concat", "-safe", "0",
			"-i", list.Name(),
			"-c", "copy",
			output,
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}
