// Package recovery runs the startup recovery steps of ConvoPipe, such as
// requeueing work that was claimed by a process that crashed, before the
// workers start.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable restores a component's persistent state after a restart.
type Recoverable interface {
	Recover(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// Recover implements Recoverable.
func (f RecoverFunc) Recover(ctx context.Context) error { return f(ctx) }

type component struct {
	name string
	r    Recoverable
}

// Manager runs registered recoverables in registration order.
type Manager struct {
	components []component
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a named component.
func (m *Manager) Register(name string, r Recoverable) {
	m.components = append(m.components, component{name: name, r: r})
}

// Len returns the number of registered components.
func (m *Manager) Len() int {
	return len(m.components)
}

// RecoverAll recovers every component. A failing component does not stop the
// others; the returned error counts the failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.components))

	recoveredCount := 0
	errorCount := 0
	for _, c := range m.components {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery interrupted: %w", err)
		}
		if err := c.r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", c.name, "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.components))
	}
	return nil
}
