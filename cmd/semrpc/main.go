// Command semrpc serves procedures over WebSocket, HTTP and AMQP, or runs a
// single task in-process with "semrpc run <task> [args...]".
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/semrpc/config"
	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/server"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semrpc"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !stderrors.Is(err, flag.ErrHelp) {
			slog.Error("Application failed", "error", err, "class", errors.Classify(err).String(), "exit_code", 1)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		cli.usage()
		return nil
	}

	// Task output goes to stdout, so logs move to stderr for run
	logOut := stdout
	if cli.Command == "run" {
		logOut = stderr
	}
	logger := setupLogger(logOut, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config_path", cli.ConfigPath)
		return nil
	}

	if cli.Command == "run" {
		return runTask(ctx, cfg, logger, cli.Args[0], cli.Args[1:], stdout)
	}
	return serve(ctx, cfg, logger, cli)
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.ShutdownTimeout > 0 {
		cfg.Server.ShutdownTimeout = config.Duration(cli.ShutdownTimeout)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, cli *CLIConfig) error {
	logger.Info("Starting semrpc",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cli.ConfigPath)

	srv, err := server.New(server.Options{
		Config:  cfg,
		Logger:  logger,
		Version: Version,
	})
	if err != nil {
		return fmt.Errorf("assemble server: %w", err)
	}
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	logger.Info("semrpc stopped")
	return nil
}

func runTask(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	task string,
	words []string,
	stdout io.Writer,
) error {
	result, err := server.RunTask(ctx, cfg, nil, logger, task, parseTaskArgs(words))
	if err != nil {
		if apiErr, ok := errors.AsAPIError(err); ok {
			return fmt.Errorf("task %s failed: %s: %s", task, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("task %s failed: %w", task, err)
	}
	_, err = fmt.Fprintln(stdout, string(result))
	return err
}

// parseTaskArgs decodes each word as JSON, keeping it as a string when it
// is not valid JSON
func parseTaskArgs(words []string) []any {
	args := make([]any, 0, len(words))
	for _, w := range words {
		var v any
		if err := json.Unmarshal([]byte(w), &v); err != nil {
			v = w
		}
		args = append(args, v)
	}
	return args
}
