package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/semrpc/config"
	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/worker"
)

// DefaultMaxSleep caps the sleep task unless workers.options.max_sleep says otherwise
const DefaultMaxSleep = 30 * time.Second

// Tasks returns the factory building each worker's builtin task registry.
// Recognized options: max_sleep (duration).
func Tasks() worker.RegistryFactory {
	return func(env worker.Env) (worker.Registry, error) {
		maxSleep := config.GetDuration(env.Options, "max_sleep", DefaultMaxSleep)
		if maxSleep <= 0 {
			return nil, fmt.Errorf("max_sleep must be positive, got %s", maxSleep)
		}
		return worker.Registry{
			"echo":  echoTask,
			"sleep": sleepTask(maxSleep),
			"sum":   sumTask,
		}, nil
	}
}

func echoTask(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// sleepTask waits for the given duration, written as "250ms" or as a number
// of milliseconds. A one-element array is unwrapped.
func sleepTask(maxSleep time.Duration) worker.Task {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var v any
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, errors.NewAPIError(errors.CodeValidation, "invalid sleep arguments").WithCause(err)
		}
		if list, ok := v.([]any); ok && len(list) == 1 {
			v = list[0]
		}

		var d time.Duration
		switch val := v.(type) {
		case string:
			parsed, err := time.ParseDuration(val)
			if err != nil {
				return nil, errors.APIErrorf(errors.CodeValidation, "invalid duration %q", val)
			}
			d = parsed
		case float64:
			d = time.Duration(val * float64(time.Millisecond))
		default:
			return nil, errors.NewAPIError(errors.CodeValidation, "sleep expects a duration")
		}
		if d < 0 || d > maxSleep {
			return nil, errors.APIErrorf(errors.CodeValidation, "duration must be between 0 and %s", maxSleep)
		}

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]string{"slept": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func sumTask(_ context.Context, args json.RawMessage) (any, error) {
	var values []float64
	if err := json.Unmarshal(args, &values); err != nil {
		return nil, errors.NewAPIError(errors.CodeValidation, "sum expects an array of numbers").WithCause(err)
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total, nil
}
