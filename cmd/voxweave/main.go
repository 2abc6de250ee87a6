// Command voxweave is the main entry point for the Voxweave orchestration
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxweave/voxweave/internal/api"
	"github.com/voxweave/voxweave/internal/app"
	"github.com/voxweave/voxweave/internal/config"
	"github.com/voxweave/voxweave/internal/observe"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(oldCfg, newCfg *config.Config) {
		d := config.Diff(oldCfg, newCfg)
		if d.LogLevelChanged {
			level.Set(levelOf(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.EnginesRootChanged || d.HostsChanged {
			slog.Warn("config change needs a restart to take effect",
				"engines_root", d.EnginesRootChanged, "ssh_hosts", d.HostsChanged)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxweave: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxweave: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level.Set(levelOf(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxweave starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxweave",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	db, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		slog.Error("failed to open database pool", "err", err)
		return 1
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		slog.Error("database unreachable", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx, api.New(application)); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// levelOf maps the configured log level to its slog equivalent.
func levelOf(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
