// Command specd is the event-sourced specification daemon entrypoint. It
// loads configuration, recovers every spec under the configured data root,
// keeps the registry alive until an OS signal arrives, and writes a final
// snapshot of every spec before exiting.
//
// It deliberately exposes no transport (no HTTP/SSE/RPC handlers) per the
// transport/UI non-goal: internal/registry is the whole public surface,
// consumed in-process by whatever collaborator wires a wire protocol on
// top of it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldnote/specd/internal/config"
	"github.com/fieldnote/specd/internal/registry"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	// Loaded before flags are parsed so SPECD_* environment defaults are
	// visible to the flag declarations below, matching cmd/tarsy/main.go's
	// own sequencing.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with process environment", "error", err)
	}

	configPath := flag.String("config", getEnv("SPECD_CONFIG", ""), "path to a specd.yaml configuration file")
	dataRootOverride := flag.String("data-root", "", "override the configured data root directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		return 1
	}
	if *dataRootOverride != "" {
		cfg.DataRoot = *dataRootOverride
	}

	logger := slog.Default()

	reg, err := registry.OpenWithConfig(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open registry at %s: %v\n", cfg.DataRoot, err)
		return 1
	}

	if err := reg.RecoverAll(); err != nil {
		fmt.Fprintf(os.Stderr, "error: recover specs under %s: %v\n", cfg.DataRoot, err)
		return 1
	}
	logger.Info("specd started", "data_root", cfg.DataRoot, "snapshot_interval", cfg.SnapshotInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			if err := reg.Close(); err != nil {
				logger.Error("error during shutdown", "error", err)
				return 1
			}
			return 0
		case <-ticker.C:
			reg.SnapshotAllDue()
		}
	}
}
