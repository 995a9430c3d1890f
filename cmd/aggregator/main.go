// Command aggregator serves the event-intake HTTP API backed by the local
// durable store.
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

	"vss-edge/internal/api"
	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/serverutil"
	"vss-edge/internal/store"
)

const defaultPort = 8080

func main() {
	configPath := flag.String("config", "/etc/vss/config.yaml", "path to the device configuration file")
	port := flag.Int("port", 0, "listen port (overrides watchdog.services.aggregator)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", string(logging.FormatJSON), "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}), "aggregator")

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

	handler := api.NewHandler(db, api.Identity{TenantID: cfg.Device.TenantID, DeviceID: cfg.Device.DeviceID}, logger)
	handler.Metrics = metrics.Default()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort(*port, cfg, "aggregator")),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("aggregator listening", "addr", server.Addr, "device_id", cfg.Device.DeviceID)
	if err := serverutil.Run(ctx, serverutil.Config{Server: server}); err != nil {
		logger.Error("server stopped", "error", err)
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
