package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/semrpc/builtin"
	"github.com/c360/semrpc/config"
	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/worker"
)

// RunTask runs one task in-process on a single worker configured from cfg
// and returns its JSON result. A nil factory uses builtin.Tasks.
func RunTask(
	ctx context.Context,
	cfg *config.Config,
	factory worker.RegistryFactory,
	logger *slog.Logger,
	task string,
	args any,
) (json.RawMessage, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if factory == nil {
		factory = builtin.Tasks()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := worker.New(factory,
		worker.WithSize(1),
		worker.WithEnvOptions(cfg.Workers.Options),
		worker.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "RunTask", "create task pool")
	}
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx := context.Background()
		if d := cfg.Workers.StopTimeout.Std(); d > 0 {
			var cancel context.CancelFunc
			stopCtx, cancel = context.WithTimeout(stopCtx, d)
			defer cancel()
		}
		if err := pool.Stop(stopCtx); err != nil {
			logger.Warn("Task pool did not stop cleanly", "error", err)
		}
	}()

	inv := pool.Invoke(ctx, task, worker.Options{}, args)
	raw, err := inv.Result(ctx)
	if err != nil && ctx.Err() != nil {
		inv.Abort("interrupted")
	}
	return raw, err
}
