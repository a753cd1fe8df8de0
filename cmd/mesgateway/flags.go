package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     layerList
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	WriteConfig     string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// layerList collects repeated -config flags. Later files override earlier
// ones.
type layerList []string

func (l *layerList) String() string { return strings.Join(*l, ",") }

func (l *layerList) Set(v string) error {
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	if env := os.Getenv("MESGATEWAY_CONFIG"); env != "" {
		_ = cfg.ConfigPaths.Set(env)
	}
	fs.Var(&cfg.ConfigPaths, "config",
		"Configuration file, JSON or YAML; repeat to layer (env: MESGATEWAY_CONFIG, comma separated)")
	fs.Var(&cfg.ConfigPaths, "c", "Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error; overrides logging.level")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text; overrides logging.format")
	fs.BoolVar(&cfg.Debug, "debug", false, "Shorthand for -log-level=debug")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second,
		"Graceful shutdown timeout")
	fs.StringVar(&cfg.WriteConfig, "write-config", "",
		"Write the effective configuration to this file and exit")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - MES protocol gateway for the needle placement machine

Usage: %s [options]

Options:
`, appName, fs.Name())
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
Examples:
  # Run with a base file and a site override
  %[1]s -config=/etc/mesgateway/base.yaml -config=/etc/mesgateway/site.json

  # Run with debug logging
  %[1]s -config=gateway.yaml -log-level=debug -log-format=text

  # Override settings from the environment
  export MESGATEWAY_API_KEYS=key-a,key-b
  export MESGATEWAY_SECRET_KEY=shared-secret
  %[1]s -config=gateway.yaml

  # Validate configuration only
  %[1]s -config=gateway.yaml -validate

Version: %[2]s
Build: %[3]s
`, fs.Name(), Version, BuildTime)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
