// Package main implements the genq server, which accepts text generation
// requests over HTTP, queues them by priority in Redis and executes them
// against the configured LLM providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/genq/internal/config"
	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/phrazzld/genq/internal/platform/postgres"
)

// options holds the parsed command line flags.
type options struct {
	configFile string
	migrate    string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("genq", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configFile, "config", "", "path to a YAML config file (default ./config.yaml if present)")
	fs.StringVar(&opts.migrate, "migrate", "",
		"run a postgres migration command (up, down, status, version, reset) and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("genq exited with error", "error", err)
		os.Exit(1)
	}
}

// run loads configuration, sets up logging and either runs a migration
// command or serves until ctx is cancelled.
func run(ctx context.Context, args []string, output io.Writer) error {
	opts, err := parseFlags(args, output)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"store_backend", cfg.Store.Backend,
		"worker_count", cfg.Worker.Count,
		"default_provider", cfg.Providers.Default)

	if opts.migrate != "" {
		return runMigration(ctx, cfg, opts.migrate, log)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	return app.Run(ctx)
}

// runMigration applies a goose command to the postgres status store.
func runMigration(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	if cfg.Store.Backend != "postgres" {
		return fmt.Errorf("migrations require the postgres backend, configured backend is %q", cfg.Store.Backend)
	}

	db, err := postgres.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return postgres.Migrate(ctx, db, command, log)
}
