// Package main runs the MES protocol gateway.
//
// The binary serves the envelope protocol over HTTP and WebSocket, forwards
// transport events to the configured brokers and, when enabled, reports
// machine status to the remote MES on a fixed interval. Business
// capabilities come from the in-memory simulated machine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/mesgateway/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mesgateway"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cli, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	if cli.WriteConfig != "" {
		if err := cfg.SaveToFile(cli.WriteConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		slog.Info("Configuration written", "path", cli.WriteConfig)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cli.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting MES gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", []string(cli.ConfigPaths),
		"dev_code", cfg.Device.DevCode)
	slog.Debug("Effective configuration", "config", cfg.String())

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.run(ctx, cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("gateway stopped with error: %w", err)
	}
	slog.Info("MES gateway shutdown complete")
	return nil
}

// loadConfig layers the config files, environment and command-line log
// settings.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	return cfg, nil
}
