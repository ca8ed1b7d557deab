// Package recovery brings durable state back into the running process after
// a restart: stale reminder jobs are requeued and recurring reminders are
// re-armed on the in-process scheduler.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that reloads its state at startup. Recover
// returns how many items it restored.
type Recoverable interface {
	Recover(ctx context.Context) (int, error)
}

// Func adapts a plain function to Recoverable.
type Func func(ctx context.Context) (int, error)

// Recover calls f.
func (f Func) Recover(ctx context.Context) (int, error) {
	return f(ctx)
}

// JobRecoverer is satisfied by store.JobRunner.
type JobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) error
}

// ReminderRestorer is satisfied by reminder.Service.
type ReminderRestorer interface {
	Restore(ctx context.Context) (int, error)
}

// StaleJobs requeues jobs left running by a previous process.
func StaleJobs(runner JobRecoverer) Recoverable {
	return Func(func(ctx context.Context) (int, error) {
		return 0, runner.RecoverStaleJobs(ctx)
	})
}

// Reminders re-arms the reminder schedule of every open task.
func Reminders(r ReminderRestorer) Recoverable {
	return Func(r.Restore)
}

type component struct {
	name string
	r    Recoverable
}

// Result summarizes one RecoverAll run.
type Result struct {
	Components int
	Restored   int
	Failed     int
	Took       time.Duration
}

// Manager runs registered components in registration order.
type Manager struct {
	components []component
	timeout    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds each component's Recover call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a component. Order matters: stale jobs should be requeued
// before anything that enqueues new ones.
func (m *Manager) Register(name string, r Recoverable) {
	m.components = append(m.components, component{name: name, r: r})
}

// RecoverAll runs every component even when an earlier one fails and
// returns the joined errors.
func (m *Manager) RecoverAll(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Components: len(m.components)}
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.components))

	var errs []error
	for _, c := range m.components {
		n, err := m.run(ctx, c)
		if err != nil {
			slog.Error("Manager.RecoverAll: component failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			res.Failed++
			continue
		}
		slog.Debug("Manager.RecoverAll: component recovered", "component", c.name, "restored", n)
		res.Restored += n
	}

	res.Took = time.Since(start)
	slog.Info("Manager.RecoverAll: recovery completed", "restored", res.Restored, "failed", res.Failed, "took", res.Took)
	return res, errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, c component) (int, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return c.r.Recover(ctx)
}
