package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marinex-ng/internal/config"
	"marinex-ng/internal/logging"
	"marinex-ng/internal/web"
)

func main() {
	var configPath, summarizePath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.StringVar(&summarizePath, "summarize", "", "Print a summary of a recorded feed and exit")
	flag.Parse()

	if summarizePath != "" {
		if err := printLogSummary(os.Stdout, summarizePath); err != nil {
			fmt.Fprintf(os.Stderr, "marinex-ng: summarize failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "marinex-ng: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log := logging.New(cfg.Log, logs)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, log, logs)
	if err != nil {
		return err
	}

	log.Info().Str("config", configPath).Msg("marinex-ng starting")
	runErr := rt.Run(ctx)
	log.Info().Msg("marinex-ng stopping")
	if err := rt.Close(); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return runErr
}
