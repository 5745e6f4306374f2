// Package lifecycle runs named start/stop/cleanup hooks in a fixed order:
// start in registration order, stop in reverse, cleanup last.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

// Hook is a start, stop or cleanup action. It must honor ctx.
type Hook func(ctx context.Context) error

const DefaultHookTimeout = 5 * time.Second

type hook struct {
	name  string
	start Hook
	stop  Hook
}

type cleanup struct {
	name string
	fn   Hook
}

// Manager is safe for concurrent use; Start, Stop and Cleanup are
// serialized.
type Manager struct {
	log     logx.Logger
	timeout time.Duration

	mu       sync.Mutex
	hooks    []hook
	cleanups []cleanup
	started  int // hooks[:started] have run their start hook
	cleaned  bool
}

type Option func(*Manager)

// WithHookTimeout bounds each hook. Zero or negative disables the bound.
func WithHookTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

func New(log logx.Logger, opts ...Option) *Manager {
	m := &Manager{log: log, timeout: DefaultHookTimeout}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds a named hook. start may be nil. Names are unique.
func (m *Manager) Register(name string, stop, start Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hooks {
		if h.name == name {
			return &errs.DuplicateRegistrationError{Kind: "lifecycle hook", Key: name}
		}
	}
	m.hooks = append(m.hooks, hook{name: name, start: start, stop: stop})
	return nil
}

// RegisterCleanup adds a best-effort release action run by Cleanup.
func (m *Manager) RegisterCleanup(name string, fn Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
	m.cleaned = false
}

// Start runs start hooks in registration order. On the first failure it
// stops the hooks already started, in reverse, and returns the start error
// joined with any rollback errors.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.started < len(m.hooks) {
		h := m.hooks[m.started]
		if h.start != nil {
			if err := m.step(ctx, "start", h.name, h.start); err != nil {
				err = fmt.Errorf("start %s: %w", h.name, err)
				m.log.Error("lifecycle start failed; rolling back", logx.String("hook", h.name), logx.Err(err))
				return errors.Join(err, m.stopLocked(ctx, StopStartFailed))
			}
		}
		m.started++
	}
	m.log.Debug("lifecycle started", logx.Int("hooks", len(m.hooks)))
	return nil
}

// Stop runs the stop hooks of every started hook in reverse order. Every
// hook runs even when an earlier one fails; failures are joined. Stopping
// twice is a no-op.
func (m *Manager) Stop(ctx context.Context, reason StopReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, reason)
}

func (m *Manager) stopLocked(ctx context.Context, reason StopReason) error {
	var errList []error
	n := m.started
	for i := n - 1; i >= 0; i-- {
		h := m.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := m.step(ctx, "stop", h.name, h.stop); err != nil {
			errList = append(errList, fmt.Errorf("stop %s: %w", h.name, err))
		}
	}
	m.started = 0
	if n > 0 {
		m.log.Debug("lifecycle stopped", logx.String("reason", string(reason)), logx.Int("failed", len(errList)))
	}
	return errors.Join(errList...)
}

// Cleanup runs every cleanup action once, most recently registered first.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned {
		return nil
	}
	m.cleaned = true
	var errList []error
	for i := len(m.cleanups) - 1; i >= 0; i-- {
		c := m.cleanups[i]
		if err := m.step(ctx, "cleanup", c.name, c.fn); err != nil {
			errList = append(errList, fmt.Errorf("cleanup %s: %w", c.name, err))
		}
	}
	return errors.Join(errList...)
}

// Started reports how many hooks are currently started.
func (m *Manager) Started() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// step runs fn bounded by the hook timeout (never extending the caller's
// deadline) and turns a panic into an error. A hook that ignores its
// context is abandoned at the deadline and logged when it finally returns.
func (m *Manager) step(ctx context.Context, phase, name string, fn Hook) error {
	if fn == nil {
		return nil
	}
	start := time.Now()
	stepCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			m.log.Warn("lifecycle hook failed", logx.String("phase", phase), logx.String("hook", name), logx.Duration("took", took), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			m.log.Info("lifecycle hook slow", logx.String("phase", phase), logx.String("hook", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		m.log.Warn("lifecycle hook deadline reached (continuing)",
			logx.String("phase", phase), logx.String("hook", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			m.log.Info("lifecycle hook finished after deadline",
				logx.String("phase", phase), logx.String("hook", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return &errs.TimeoutError{Op: phase + " " + name, After: time.Since(start).Round(time.Millisecond)}
	}
}
