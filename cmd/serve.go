package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/elysia-ai/elysia/internal/gateway"
	"github.com/elysia-ai/elysia/internal/scheduler"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/tool"
	"github.com/elysia-ai/elysia/internal/user"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and background maintenance",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("env file not loaded", "path", envFile, "error", err)
	}

	// Key bootstrap is fatal: without it no secret can be stored.
	cipher, err := settings.NewCipher(envFile)
	if err != nil {
		slog.Error("encryption key bootstrap failed", "error", err)
		os.Exit(1)
	}

	registry := user.NewRegistry(cipher, tool.NewDefaultRegistry(), dataDir)

	sched := scheduler.New()
	if err := scheduler.Register(sched, registry); err != nil {
		slog.Error("scheduler setup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(registry, cipher)
	addr := fmt.Sprintf("%s:%d", host, port)
	if err := srv.Start(ctx, addr); err != nil {
		slog.Error("gateway stopped", "error", err)
	}

	sched.Stop()
	registry.Shutdown()
	slog.Info("shutdown complete")
}
