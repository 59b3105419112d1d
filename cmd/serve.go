package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/orchestrator"
	"github.com/mindroomhq/mindroom/internal/telemetry"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable config or runtime error,
// 2 chat authentication failure.
const (
	exitOK     = 0
	exitConfig = 1
	exitAuth   = 2
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runServe())
		},
	}
}

func runServe() int {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	snap, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		fmt.Fprintln(os.Stderr, "No valid configuration found. Run:  mindroom onboard")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, snap.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return exitConfig
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	o, err := orchestrator.New(snap, cfgPath)
	if err != nil {
		slog.Error("orchestrator init failed", "error", err)
		return exitConfig
	}

	slog.Info("mindroom starting", "version", Version, "config", cfgPath,
		"homeserver", snap.Homeserver.URL, "entities", len(snap.Entities()))

	if err := o.Run(ctx); err != nil {
		slog.Error("orchestrator failed", "error", err)
		if errors.Is(err, matrix.ErrUnauthorized) {
			return exitAuth
		}
		return exitConfig
	}
	return exitOK
}
