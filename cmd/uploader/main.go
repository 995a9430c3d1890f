// Command uploader drains the pending-upload queue, running the four-step
// upload protocol against the central API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/serverutil"
	"vss-edge/internal/store"
	"vss-edge/internal/uploader"
)

const defaultPort = 8081

func main() {
	configPath := flag.String("config", "/etc/vss/config.yaml", "path to the device configuration file")
	port := flag.Int("port", 0, "listen port (overrides watchdog.services.uploader)")
	workers := flag.Int("workers", 2, "concurrent upload transactions")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", string(logging.FormatJSON), "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}), "uploader")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Error("open store", "path", cfg.Storage.DBPath, "error", err)
		os.Exit(2)
	}
	defer db.Close()

	central, err := uploader.NewClient(cfg.Network, cfg.Upload)
	if err != nil {
		logger.Error("build central client", "error", err)
		os.Exit(1)
	}

	recorder := metrics.Default()
	proc := uploader.NewProcessor(uploader.ProcessorConfig{
		Store:             db,
		Central:           central,
		Identity:          uploader.Identity{TenantID: cfg.Device.TenantID, DeviceID: cfg.Device.DeviceID},
		Upload:            cfg.Upload,
		Workers:           *workers,
		RecoveryThreshold: time.Duration(cfg.Upload.RecoveryThresholdSeconds) * time.Second,
		Logger:            logger,
		Metrics:           recorder,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         status,
			"active_uploads": recorder.ActiveUploads(),
		})
	})
	mux.Handle("/metrics", recorder.Handler())

	handler := http.Handler(mux)
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort(*port, cfg, "uploader")),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("uploader listening", "addr", server.Addr, "workers", *workers)
	runErr := serverutil.Run(ctx, serverutil.Config{Server: server})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := proc.Shutdown(shutdownCtx); err != nil {
		logger.Error("processor shutdown", "error", err)
	}
	if runErr != nil {
		logger.Error("server stopped", "error", runErr)
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
