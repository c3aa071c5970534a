package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
)

// Task is one unit of background work. ctx is cancelled when the
// invocation is aborted; context.Cause reports the abort reason. A task is
// expected to return promptly once ctx is done but is never forced to.
type Task func(ctx context.Context, args json.RawMessage) (any, error)

// Registry is the task table owned by a single worker
type Registry map[string]Task

// Names returns the sorted task names
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env is handed to a worker once at startup. It is the only configuration
// a worker sees.
type Env struct {
	WorkerID int
	Logger   *slog.Logger

	// Options carries application settings for task construction
	Options map[string]any
}

// RegistryFactory builds a worker's registry. It runs once per worker, so
// workers never share task state.
type RegistryFactory func(env Env) (Registry, error)

// StaticRegistry returns a factory that hands every worker the same task
// functions. The functions themselves must be safe for concurrent use.
func StaticRegistry(tasks Registry) RegistryFactory {
	return func(Env) (Registry, error) {
		r := make(Registry, len(tasks))
		for name, task := range tasks {
			r[name] = task
		}
		return r, nil
	}
}
