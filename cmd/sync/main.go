// Command sync polls central for model packages and KB deltas, verifying
// and installing them and hot-reloading the inference service.
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
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/serverutil"
	"vss-edge/internal/store"
	"vss-edge/internal/syncworker"
)

const (
	defaultPort   = 8083
	defaultCVPort = 8090
)

func main() {
	configPath := flag.String("config", "/etc/vss/config.yaml", "path to the device configuration file")
	port := flag.Int("port", 0, "listen port (overrides watchdog.services.sync)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", string(logging.FormatJSON), "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}), "sync")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	publicKey, err := syncworker.LoadPublicKey(cfg.Sync.PublicKeyPath)
	if err != nil {
		logger.Error("load package verification key", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Error("open store", "path", cfg.Storage.DBPath, "error", err)
		os.Exit(2)
	}
	defer db.Close()

	cvPort := defaultCVPort
	if p, ok := cfg.Watchdog.Services["cv"]; ok && p > 0 {
		cvPort = p
	}
	worker := syncworker.NewWorker(syncworker.WorkerConfig{
		Store:         db,
		DeviceID:      cfg.Device.DeviceID,
		ModelRoot:     cfg.Storage.ModelRoot,
		Sync:          cfg.Sync,
		ReloadBaseURL: fmt.Sprintf("http://127.0.0.1:%d", cvPort),
		PublicKey:     publicKey,
		HTTPClient:    &http.Client{Timeout: time.Duration(cfg.APITimeout()) * time.Second},
		Logger:        logger,
		Metrics:       metrics.Default(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort(*port, cfg, "sync")),
		Handler:           worker.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return worker.Run(ctx) })
	group.Go(func() error {
		logger.Info("sync worker listening", "addr", server.Addr, "model_root", cfg.Storage.ModelRoot)
		return serverutil.Run(ctx, serverutil.Config{Server: server})
	})
	if err := group.Wait(); err != nil {
		logger.Error("sync worker stopped", "error", err)
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
