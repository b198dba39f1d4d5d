// Package shutdown stops the agent's components in reverse order of
// registration, so the scheduler stops before the history store and event
// connection it writes to are closed.
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("history", store)
//	coord.Register("events", natsClient)
//	coord.Shutdown(ctx) // events first, then history
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components that hold resources to release.
// Shutdown should respect ctx's deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a function to Shutdowner.
type Func func(ctx context.Context) error

func (f Func) Shutdown(ctx context.Context) error {
	return f(ctx)
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator manages ordered shutdown of multiple components.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. The last registered is shut down first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops all registered components in reverse order. A failing
// component does not stop the rest; the first error is returned. Once ctx
// expires the remaining components are skipped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown",
		slog.Int("components", len(c.components)),
	)

	var firstErr error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]

		if err := ctx.Err(); err != nil {
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining_component", comp.name),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at component %s: %w", comp.name, err)
			}
			return firstErr
		}

		start := time.Now()
		err := comp.shutdowner.Shutdown(ctx)
		duration := time.Since(start)

		if err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shutdown %s: %w", comp.name, err)
			}
			continue
		}
		c.logger.Info("component shutdown complete",
			slog.String("handler", comp.name),
			slog.Duration("duration", duration),
		)
	}

	if firstErr != nil {
		c.logger.Warn("coordinated shutdown completed with errors")
	} else {
		c.logger.Info("coordinated shutdown complete")
	}
	return firstErr
}

// ComponentCount returns the number of registered components.
func (c *Coordinator) ComponentCount() int {
	return len(c.components)
}
