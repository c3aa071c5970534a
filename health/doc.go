// Package health tracks the health of the server's components and rolls
// them up into the status served by GET /health.
//
// Components either push their state:
//
//	monitor.UpdateDegraded("nats", "reconnecting")
//
// or register a check that is evaluated on every Refresh:
//
//	monitor.AddCheck("workers", func(ctx context.Context) health.Status {
//	    if pool.Stats().Workers == 0 {
//	        return health.NewUnhealthy("workers", "no live workers")
//	    }
//	    return health.NewHealthy("workers", "ok")
//	})
//
// AggregateHealth is unhealthy if any component is unhealthy, degraded if
// any is degraded, and healthy otherwise. Messages built from errors are
// sanitized so URLs, paths, addresses and credentials never reach the
// unauthenticated health endpoint.
package health
