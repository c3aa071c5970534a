package server

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/semrpc/health"
)

func (s *Server) registerChecks() {
	bootTime := time.Now()

	s.monitor.AddCheck("tasks", func(context.Context) health.Status {
		stats := s.tasks.Stats()
		m := &health.Metrics{
			Uptime:     time.Since(bootTime),
			ErrorCount: int(stats.Failed),
			InFlight:   int64(stats.Workers - stats.Idle),
		}
		msg := fmt.Sprintf("%d/%d workers idle, %d waiting", stats.Idle, stats.Workers, stats.Waiting)
		switch {
		case stats.Workers == 0:
			return health.NewUnhealthy("tasks", "no workers running").WithMetrics(m)
		case stats.Workers < s.cfg.Workers.Size:
			return health.NewDegraded("tasks", msg).WithMetrics(m)
		default:
			return health.NewHealthy("tasks", msg).WithMetrics(m)
		}
	})

	s.monitor.AddCheck("ws", func(context.Context) health.Status {
		conns := s.ws.Connections()
		return health.NewHealthy("ws", fmt.Sprintf("%d connections", len(conns))).
			WithMetrics(&health.Metrics{Uptime: time.Since(bootTime), InFlight: int64(len(conns))})
	})

	if s.nats != nil {
		s.monitor.AddCheck("nats", func(context.Context) health.Status {
			if s.nats.IsHealthy() {
				return health.NewHealthy("nats", "connected")
			}
			return health.NewUnhealthy("nats", s.nats.Status().String()).
				WithMetrics(&health.Metrics{ErrorCount: int(s.nats.Failures())})
		})
	}

	if s.amqp != nil {
		s.monitor.AddCheck("amqp", func(context.Context) health.Status {
			if s.amqp.Consuming() {
				return health.NewHealthy("amqp", fmt.Sprintf("consuming, %d calls handled", s.amqp.Handled()))
			}
			return health.NewUnhealthy("amqp", "not consuming")
		})
	}
}
