// Command simserver runs the doppelganger simulation service: the HTTP
// control plane plus the session runner and compatibility scorer behind
// it.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/doppelsim/internal/api"
	"github.com/talgya/doppelsim/internal/config"
	"github.com/talgya/doppelsim/internal/llm"
	"github.com/talgya/doppelsim/internal/persistence"
	"github.com/talgya/doppelsim/internal/sim"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	// ── Database ──────────────────────────────────────────────────────
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	if n, err := store.FailInterruptedRuns(context.Background()); err != nil {
		slog.Error("failed to sweep interrupted runs", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted runs as failed", "count", n)
	}

	// ── Generation client ─────────────────────────────────────────────
	ctx := context.Background()
	client, err := llm.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		slog.Error("failed to create llm client", "error", err)
		os.Exit(1)
	}
	if !client.Enabled() {
		slog.Warn("GEMINI_API_KEY not set, simulations will fail at generation time")
	}

	// ── Engine wiring ─────────────────────────────────────────────────
	runner := sim.NewRunner(client, store, store, time.Now().UnixNano())
	scorer := sim.NewScorer(client)

	server := &api.Server{
		Store:    store,
		Runner:   runner,
		Scorer:   scorer,
		Profiles: store,
		Port:     cfg.Port,
		AdminKey: cfg.AdminKey,
	}
	server.Start()
	slog.Info("doppelsim ready", "port", cfg.Port)

	// Block until interrupted. Runs cut off by the exit are swept to
	// failed on the next start; their snapshots remain viewable.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
}
