// Package recovery runs startup recovery for components that may have been
// interrupted by a crash or restart.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can restore consistent state at startup.
type Recoverable interface {
	Name() string
	RecoverState(ctx context.Context) error
}

type funcRecoverable struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcRecoverable) Name() string                           { return f.name }
func (f funcRecoverable) RecoverState(ctx context.Context) error { return f.fn(ctx) }

// Func adapts a plain function to Recoverable.
func Func(name string, fn func(ctx context.Context) error) Recoverable {
	return funcRecoverable{name: name, fn: fn}
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every registered component in registration order. A
// failing component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, r := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}
