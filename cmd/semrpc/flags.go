package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// Command is "serve" or "run"; Args are the words after it
	Command string
	Args    []string

	usage func()
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	// Flags fall back to environment variables
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("SEMRPC_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: SEMRPC_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("SEMRPC_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: SEMRPC_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEMRPC_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEMRPC_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEMRPC_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEMRPC_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("SEMRPC_DEBUG", false),
		"Enable debug logging (env: SEMRPC_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SEMRPC_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, overrides server.shutdown_timeout (env: SEMRPC_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(stderr, fs)
	}
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	rest := fs.Args()
	cfg.Command = "serve"
	if len(rest) > 0 {
		cfg.Command, cfg.Args = rest[0], rest[1:]
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	switch cfg.Command {
	case "serve":
		if len(cfg.Args) > 0 {
			return fmt.Errorf("serve takes no arguments, got %q", cfg.Args)
		}
	case "run":
		if len(cfg.Args) == 0 {
			return fmt.Errorf("run requires a task name")
		}
	default:
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - application server for the semrpc protocol

Usage:
  %s [options] [serve]
  %s [options] run <task> [args...]

Options:
`, appName, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Serve with a config file
  %s --config=/etc/semrpc/semrpc.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Execute a task once and print its JSON result
  %s run sum 1 2 3
  %s run sleep 250ms

  # Validate configuration only
  %s --config=semrpc.yaml --validate

Task arguments are parsed as JSON where possible and passed as strings
otherwise.

Version: %s
Build: %s
`, appName, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
