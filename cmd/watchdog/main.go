// Command watchdog polls the health endpoints of the local edge services
// and restarts any that stay critical, using the restart command supplied
// by the integrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/serverutil"
	"vss-edge/internal/watchdog"
)

const defaultPort = 8089

func main() {
	configPath := flag.String("config", "/etc/vss/config.yaml", "path to the device configuration file")
	port := flag.Int("port", 0, "listen port (overrides watchdog.services.watchdog)")
	restartCmd := flag.String("restart-cmd", "", "shell command template run to restart a critical service; %s is replaced by the service name (e.g. \"systemctl restart vss-%s\")")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", string(logging.FormatJSON), "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: *logLevel, Format: *logFormat}), "watchdog")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if len(cfg.Watchdog.Services) == 0 {
		logger.Error("watchdog.services is empty, nothing to watch")
		os.Exit(1)
	}

	var restart watchdog.RestartFunc
	if template := strings.TrimSpace(*restartCmd); template != "" {
		restart = shellRestart(template)
	}

	dog := watchdog.New(watchdog.Config{
		Watchdog: cfg.Watchdog,
		Restart:  restart,
		Logger:   logger,
		Metrics:  metrics.Default(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort(*port, cfg)),
		Handler:           dog.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return dog.Run(ctx) })
	group.Go(func() error {
		logger.Info("watchdog listening", "addr", server.Addr, "services", len(cfg.Watchdog.Services))
		return serverutil.Run(ctx, serverutil.Config{Server: server})
	})
	if err := group.Wait(); err != nil {
		logger.Error("watchdog stopped", "error", err)
		os.Exit(2)
	}
}

func shellRestart(template string) watchdog.RestartFunc {
	return func(ctx context.Context, service string) error {
		command := strings.ReplaceAll(template, "%s", service)
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

func listenPort(flagPort int, cfg *config.Config) int {
	if flagPort > 0 {
		return flagPort
	}
	if port, ok := cfg.Watchdog.Services["watchdog"]; ok && port > 0 {
		return port
	}
	return defaultPort
}
