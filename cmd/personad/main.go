package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/neuralcord/persona/internal/daemon"
	"github.com/neuralcord/persona/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env", "", "Path to .env file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("personad %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// .env is optional; explicit -env must exist
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		godotenv.Load()
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("PERSONA_CONFIG_PATH")
	}

	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open state store", "error", err)
		os.Exit(1)
	}

	slog.Info("personad starting",
		"version", version,
		"persona", cfg.Persona,
		"state_backend", cfg.State.Backend,
	)

	d, err := daemon.New(ctx, cfg, st)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		st.Close()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}

	slog.Info("personad stopped")
}

func openStore(ctx context.Context, cfg *daemon.Config) (store.Store, error) {
	if cfg.State.Backend == "postgres" {
		return store.NewPostgres(ctx, cfg.State.PostgresURL)
	}
	return store.OpenSQLite(cfg.State.SQLitePath)
}
