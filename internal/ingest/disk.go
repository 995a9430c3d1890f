package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"vss-edge/internal/observability/logging"
)

// UsageFunc reports used percent for the volume holding path. Production uses
// gopsutil; tests substitute a scripted reading.
type UsageFunc func(path string) (float64, error)

// GopsutilUsage is the production UsageFunc.
func GopsutilUsage(path string) (float64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

// DiskGateConfig configures the shared disk-budget task.
type DiskGateConfig struct {
	ClipBase       string
	MaxUsedPercent float64
	KeepLocalDays  int
	CheckInterval  time.Duration
	Usage          UsageFunc
	Logger         *slog.Logger
}

// DiskGate watches the clip volume. Above the budget it pauses new segmenter
// starts and evicts the oldest complete segment files beyond the retention
// window. It never signals a running segmenter.
type DiskGate struct {
	clipBase      string
	maxPercent    float64
	keepLocalDays int
	interval      time.Duration
	usage         UsageFunc
	logger        *slog.Logger

	paused atomic.Bool
	mu     sync.Mutex
}

func NewDiskGate(cfg DiskGateConfig) *DiskGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	usage := cfg.Usage
	if usage == nil {
		usage = GopsutilUsage
	}
	keep := cfg.KeepLocalDays
	if keep < 1 {
		keep = 1
	}
	maxPercent := cfg.MaxUsedPercent
	if maxPercent <= 0 || maxPercent > 100 {
		maxPercent = 90
	}
	return &DiskGate{
		clipBase:      cfg.ClipBase,
		maxPercent:    maxPercent,
		keepLocalDays: keep,
		interval:      interval,
		usage:         usage,
		logger:        logging.WithComponent(logger, "disk-gate"),
	}
}

// Paused reports whether new segmenter starts are currently gated.
func (g *DiskGate) Paused() bool {
	return g.paused.Load()
}

// Run checks the budget on a fixed interval until ctx is cancelled.
func (g *DiskGate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check performs one budget evaluation: measure, flip the pause gate, and
// evict when over budget.
func (g *DiskGate) Check(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	used, err := g.usage(g.clipBase)
	if err != nil {
		g.logger.Error("disk usage probe failed", "path", g.clipBase, "error", err)
		return
	}
	over := used > g.maxPercent
	wasPaused := g.paused.Swap(over)
	if over != wasPaused {
		if over {
			g.logger.Warn("disk budget exceeded, pausing new segments", "used_percent", used, "max_percent", g.maxPercent)
		} else {
			g.logger.Info("disk usage back under budget", "used_percent", used)
		}
	}
	if !over {
		return
	}
	g.evict(ctx)
}

// evict removes the oldest complete segment files older than the retention
// window, oldest first, re-probing usage as it goes.
func (g *DiskGate) evict(ctx context.Context) {
	candidates := g.evictionCandidates()
	if len(candidates) == 0 {
		g.logger.Warn("disk over budget but nothing old enough to evict")
		return
	}
	for _, path := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := os.Remove(path); err != nil {
			g.logger.Error("evict segment failed", "path", path, "error", err)
			continue
		}
		g.logger.Info("evicted segment", "path", path)
		used, err := g.usage(g.clipBase)
		if err == nil && used <= g.maxPercent {
			g.paused.Store(false)
			return
		}
	}
}

// evictionCandidates lists segment files past keep_local_days, oldest first.
// A segment still inside its recording window is never a candidate.
func (g *DiskGate) evictionCandidates() []string {
	cutoff := time.Now().Add(-time.Duration(g.keepLocalDays) * 24 * time.Hour)

	type candidate struct {
		path string
		mod  time.Time
	}
	var out []candidate
	_ = filepath.WalkDir(g.clipBase, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".mp4") {
			return nil
		}
		if strings.Contains(path, string(filepath.Separator)+"extracted"+string(filepath.Separator)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		out = append(out, candidate{path: path, mod: info.ModTime()})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].mod.Before(out[j].mod) })

	paths := make([]string, len(out))
	for i, c := range out {
		paths[i] = c.path
	}
	return paths
}
