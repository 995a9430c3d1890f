// Command control connects the device to the central message bus: it
// publishes heartbeats and serves on-demand clip requests by calling the
// local ingest service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vss-edge/internal/config"
	"vss-edge/internal/controlplane"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/store"
)

const defaultIngestPort = 8082

// deviceVersion is stamped at build time via -ldflags.
var deviceVersion = "dev"

func main() {
	configPath := flag.String("config", "/etc/vss/config.yaml", "path to the device configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", string(logging.FormatJSON), "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}), "controlplane")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	bus, err := controlplane.NewPahoBus(cfg.Device.DeviceID, cfg.Network)
	if err != nil {
		logger.Error("build message-bus client", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Error("open store", "path", cfg.Storage.DBPath, "error", err)
		os.Exit(2)
	}
	defer db.Close()

	ingestPort := defaultIngestPort
	if p, ok := cfg.Watchdog.Services["ingest"]; ok && p > 0 {
		ingestPort = p
	}

	client, err := controlplane.NewClient(controlplane.ClientConfig{
		DeviceID:        cfg.Device.DeviceID,
		TenantID:        cfg.Device.TenantID,
		DeviceVersion:   deviceVersion,
		Network:         cfg.Network,
		Bus:             bus,
		Clips:           controlplane.NewIngestClient(fmt.Sprintf("http://127.0.0.1:%d", ingestPort)),
		Store:           db,
		FreeDiskPercent: controlplane.FreeDiskProbe(cfg.Storage.ClipBase),
		GPUTempC:        controlplane.GPUTempProbe(),
		Logger:          logger,
		Metrics:         metrics.Default(),
	})
	if err != nil {
		logger.Error("build control-plane client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("control-plane client starting",
		"broker", cfg.Network.MQTTBroker, "device_id", cfg.Device.DeviceID)
	if err := client.Run(ctx); err != nil {
		logger.Error("control-plane client stopped", "error", err)
		os.Exit(2)
	}
}
