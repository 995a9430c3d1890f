// Command ingest supervises the per-camera recorders and serves the clip
// extraction and status endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vss-edge/internal/config"
	"vss-edge/internal/ingest"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/rtsp"
	"vss-edge/internal/serverutil"
)

const (
	defaultPort           = 8082
	defaultAggregatorPort = 8080
)

func main() {
	configPath := flag.String("config", "/etc/vss/config.yaml", "path to the device configuration file")
	port := flag.Int("port", 0, "listen port (overrides watchdog.services.ingest)")
	ffmpegPath := flag.String("ffmpeg", "ffmpeg", "path to the ffmpeg binary")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", string(logging.FormatJSON), "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}), "ingest")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	cameraURLs := rtsp.Resolve(cfg.NVRList, logger)
	if len(cameraURLs) == 0 {
		logger.Error("no cameras resolved from configuration")
		os.Exit(1)
	}

	recorder := metrics.Default()
	gate := ingest.NewDiskGate(ingest.DiskGateConfig{
		ClipBase:       cfg.Storage.ClipBase,
		MaxUsedPercent: float64(cfg.Device.MaxDiskUsagePercent),
		KeepLocalDays:  cfg.Device.KeepLocalDays,
		Logger:         logger,
	})
	supervisor := ingest.NewSupervisor(ingest.SupervisorConfig{
		TenantID:     cfg.Device.TenantID,
		DeviceID:     cfg.Device.DeviceID,
		ClipBase:     cfg.Storage.ClipBase,
		ChunkSeconds: cfg.Ingest.ChunkSeconds,
		CameraURLs:   cameraURLs,
		FFmpegPath:   *ffmpegPath,
		DiskGate:     gate,
		Logger:       logger,
		Metrics:      recorder,
	})
	extractor := ingest.NewExtractor(ingest.ExtractorConfig{
		Supervisor:   supervisor,
		ChunkSeconds: cfg.Ingest.ChunkSeconds,
		FFmpegPath:   *ffmpegPath,
		Logger:       logger,
	})

	aggregatorPort := defaultAggregatorPort
	if p, ok := cfg.Watchdog.Services["aggregator"]; ok && p > 0 {
		aggregatorPort = p
	}
	service := &ingest.Service{
		Supervisor: supervisor,
		Extractor:  extractor,
		Submitter:  ingest.NewAggregatorClient(fmt.Sprintf("http://127.0.0.1:%d", aggregatorPort)),
		Logger:     logger,
		Metrics:    recorder,
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort(*port, cfg, "ingest")),
		Handler:           service.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return supervisor.Run(ctx) })
	group.Go(func() error {
		logger.Info("ingest listening", "addr", server.Addr, "cameras", len(cameraURLs))
		return serverutil.Run(ctx, serverutil.Config{Server: server})
	})
	if err := group.Wait(); err != nil {
		logger.Error("ingest stopped", "error", err)
		os.Exit(2)
	}
}

func listenPort(flagPort int, cfg *config.Config, service string) int {
	if flagPort > 0 {
		return flagPort
	}
	if port, ok := cfg.Watchdog.Services[service]; ok && port > 0 {
		return port
	}
	return defaultPort
}
