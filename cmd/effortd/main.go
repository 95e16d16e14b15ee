// effortd runs the energy-regulated scheduler. It reads conversation input
// from stdin, one message per line, and logs every transition to stderr.
//
// A line of the form "id: text" continues conversation id; any other line
// starts a new conversation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/elecnix/ai-effort-regulation/internal/classifier"
	"github.com/elecnix/ai-effort-regulation/internal/config"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		dbPath     string
		dumpConfig bool
	)

	home, _ := os.UserHomeDir()
	flagSet := pflag.NewFlagSet("effortd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", filepath.Join(home, ".effortd", "config.toml"), "path to the TOML or YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.StringVar(&dbPath, "db", "", "override the conversation database path")
	flagSet.BoolVar(&dumpConfig, "dump-config", false, "print the effective configuration as JSON and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if dbPath != "" {
		cfg.Paths.Database = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dumpConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	restored, err := d.loop.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	logger.Info("effortd started",
		"config", configPath,
		"database", cfg.DatabasePath(),
		"restored", restored,
		"providers", len(d.router.Providers()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runtime.Run(gctx) })
	g.Go(func() error { return d.loop.Run(gctx) })
	g.Go(func() error {
		d.router.RunHealthChecks(gctx, cfg.Router.HealthCheckInterval.Duration)
		return nil
	})
	g.Go(func() error { return readInput(gctx, os.Stdin, os.Stdout, d.loop, classifier.New(), logger) })

	err = g.Wait()
	m := d.loop.Metrics()
	logger.Info("effortd stopped",
		"energy", m.Energy.Level,
		"cycles", m.Stats.Cycles,
		"energy_consumed", m.Energy.Consumed,
		"tokens", m.Cost.Total.Tokens,
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
