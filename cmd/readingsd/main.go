// Command readingsd runs the edge readings ingestion and storage service:
// it loads configuration, constructs a Service, starts its background
// workers and south-side listeners, and blocks until an interrupt or
// terminate signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/foglamp-edge/readings"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	addr := flag.String("addr", ":8118", "address for the south-side HTTP/websocket listeners")
	flag.Parse()

	logger := slog.Default()

	cfg := readings.DefaultConfig()
	if *configPath != "" {
		loaded, err := readings.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := readings.NewService(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to construct readings service", "err", err)
		os.Exit(1)
	}

	if err := svc.Start(ctx, *addr); err != nil {
		logger.Error("failed to start readings service", "err", err)
		os.Exit(1)
	}

	logger.Info("readings service running", "data_dir", cfg.DataDir, "addr", *addr)
	<-ctx.Done()

	logger.Info("shutting down readings service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Storage.BusyTimeout)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "err", err)
		os.Exit(1)
	}
}
