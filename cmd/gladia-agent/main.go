package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/ranya-gladia/pkg/app"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/runner"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENT_CONFIG"), "path to a YAML config file")
	envFile := flag.String("env_file", ".env", "dotenv file loaded before the environment is read")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println(runner.Version)
		return
	}

	if err := app.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)

	a, err := app.New(app.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("agent_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Runner().Run(ctx); err != nil {
		logger.Error("agent_stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
