package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/semrpc/config"
	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/worker"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/stream"
	"github.com/c360/semrpc/subscription"
	"github.com/c360/semrpc/transport"
)

// maxCount bounds streams.count so a single call cannot stream forever
const maxCount = 100000

func pingProcedure(version string) procedure.Procedure {
	return procedure.Procedure{
		Name:        "system.ping",
		Description: "Round trip check",
		Handler: func(_ context.Context, call *procedure.Call, _ any) (any, error) {
			return map[string]any{
				"pong":      true,
				"version":   version,
				"transport": call.Transport,
				"time":      time.Now().UTC(),
			}, nil
		},
	}
}

func proceduresProcedure(registry *procedure.Registry) procedure.Procedure {
	return procedure.Procedure{
		Name:        "system.procedures",
		Description: "List registered procedures",
		Handler: func(context.Context, *procedure.Call, any) (any, error) {
			return registry.Names(), nil
		},
	}
}

// InvokeInput is the tasks.invoke payload
type InvokeInput struct {
	Task        string          `json:"task"`
	Args        json.RawMessage `json:"args,omitempty"`
	PoolTimeout config.Duration `json:"pool_timeout,omitempty"`
}

func invokeProcedure(pool *worker.Pool) procedure.Procedure {
	return procedure.Procedure{
		Name:        "tasks.invoke",
		Description: "Run a task on the worker pool and return its result",
		Input:       procedure.JSON[InvokeInput](),
		Handler: func(ctx context.Context, _ *procedure.Call, input any) (any, error) {
			in := input.(InvokeInput)
			if in.Task == "" {
				return nil, errors.NewAPIError(errors.CodeValidation, "task is required",
					[]procedure.FieldError{{Field: "task", Message: "task is required"}})
			}

			inv := pool.Invoke(ctx, in.Task, worker.Options{PoolTimeout: in.PoolTimeout.Std()}, in.Args)
			raw, err := inv.Result(ctx)
			if err != nil {
				if ctx.Err() != nil {
					inv.Abort(context.Cause(ctx).Error())
				}
				return nil, err
			}
			return raw, nil
		},
	}
}

const publishSchema = `{
	"type": "object",
	"required": ["key"],
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"payload": {}
	}
}`

func publishProcedure(bridge *subscription.Bridge) procedure.Procedure {
	return procedure.Procedure{
		Name:        "events.publish",
		Description: "Emit a payload to all subscribers of a key",
		Input:       procedure.MustSchema(publishSchema),
		Handler: func(ctx context.Context, _ *procedure.Call, input any) (any, error) {
			in := input.(map[string]any)
			key := in["key"].(string)
			if err := bridge.Publish(ctx, key, in["payload"]); err != nil {
				return nil, err
			}
			return map[string]any{"key": key, "subscribers": bridge.Subscribers(key)}, nil
		},
	}
}

type subscribeInput struct {
	Key string `json:"key"`
}

func subscribeProcedure(bridge *subscription.Bridge) procedure.Procedure {
	return procedure.Procedure{
		Name:        "events.subscribe",
		Description: "Receive every payload published to a key",
		Input:       procedure.JSON[subscribeInput](),
		Transports:  []string{transport.NameWebSocket},
		Handler: func(_ context.Context, _ *procedure.Call, input any) (any, error) {
			in := input.(subscribeInput)
			if in.Key == "" {
				return nil, errors.NewAPIError(errors.CodeValidation, "key is required",
					[]procedure.FieldError{{Field: "key", Message: "key is required"}})
			}
			sub, err := bridge.Subscribe(in.Key)
			if err != nil {
				return nil, errors.NewAPIError(errors.CodeServiceUnavailable, "subscriptions unavailable").WithCause(err)
			}
			return sub, nil
		},
	}
}

type echoInput struct {
	Stream    uint32 `json:"stream"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

func echoStreamProcedure() procedure.Procedure {
	return procedure.Procedure{
		Name:        "streams.echo",
		Description: "Stream an upload back to the caller",
		Input:       procedure.JSON[echoInput](),
		Transports:  []string{transport.NameWebSocket},
		Handler: func(_ context.Context, call *procedure.Call, input any) (any, error) {
			in := input.(echoInput)
			up, err := call.Stream(in.Stream)
			if err != nil {
				return nil, err
			}
			return stream.FromReader(up, up.Meta).WithChunkSize(in.ChunkSize), nil
		},
	}
}

type countInput struct {
	From     int             `json:"from"`
	To       int             `json:"to"`
	Interval config.Duration `json:"interval,omitempty"`
}

func countProcedure() procedure.Procedure {
	return procedure.Procedure{
		Name:        "streams.count",
		Description: "Stream the integers from..to as JSON chunks",
		Input:       procedure.JSON[countInput](),
		Handler: func(ctx context.Context, _ *procedure.Call, input any) (any, error) {
			in := input.(countInput)
			if in.To < in.From || in.To-in.From >= maxCount {
				return nil, errors.APIErrorf(errors.CodeValidation,
					"to must be between from and from+%d", maxCount-1)
			}

			ctx, cancel := context.WithCancel(ctx)
			ch := make(chan int)
			go func() {
				defer close(ch)
				for n := in.From; n <= in.To; n++ {
					if in.Interval > 0 && n > in.From {
						select {
						case <-time.After(in.Interval.Std()):
						case <-ctx.Done():
							return
						}
					}
					select {
					case ch <- n:
					case <-ctx.Done():
						return
					}
				}
			}()
			return stream.FromChannel(ch, map[string]int{"from": in.From, "to": in.To}, cancel), nil
		},
	}
}
