// Package builtin provides the procedures and tasks every semrpc server
// ships with.
//
// Procedures:
//
//	system.ping        liveness round trip, returns the server version
//	system.procedures  lists registered procedure names
//	tasks.invoke       runs a named task on the worker pool
//	events.publish     emits a payload to every subscriber of a key
//	events.subscribe   subscribes the calling connection to a key (ws only)
//	streams.echo       echoes an uploaded stream back as a download (ws only)
//	streams.count      streams a sequence of integers as JSON chunks
//
// Tasks: echo, sleep, sum.
package builtin

import (
	stderrors "errors"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/worker"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/subscription"
)

// Deps are the services builtin procedures run against. A nil service
// leaves out the procedures that need it.
type Deps struct {
	Version string
	Tasks   *worker.Pool
	Bridge  *subscription.Bridge
}

// Register adds the builtin procedures to registry
func Register(registry *procedure.Registry, deps Deps) error {
	if registry == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"), "builtin", "Register", "registry validation")
	}

	procs := []procedure.Procedure{
		pingProcedure(deps.Version),
		proceduresProcedure(registry),
		countProcedure(),
		echoStreamProcedure(),
	}
	if deps.Tasks != nil {
		procs = append(procs, invokeProcedure(deps.Tasks))
	}
	if deps.Bridge != nil {
		procs = append(procs, publishProcedure(deps.Bridge), subscribeProcedure(deps.Bridge))
	}

	for _, p := range procs {
		if err := registry.Register(p); err != nil {
			return errors.WrapInvalid(err, "builtin", "Register", "register "+p.Name)
		}
	}
	return nil
}
