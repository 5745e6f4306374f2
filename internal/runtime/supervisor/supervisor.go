// Package supervisor runs named goroutines under one cancelable context.
// Panics are recovered and reported as errors; GoRestart keeps a loop
// alive with backoff until the context ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"botgate/pkg/logx"
)

// Supervisor is a goroutine group. The application, each account and each
// long-running transport own one, so tearing one down leaves the others
// alone.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	log    logx.Logger

	cancelOnErr bool
	first       atomic.Pointer[error]

	stats struct {
		active   atomic.Int64
		started  atomic.Uint64
		panics   atomic.Uint64
		restarts atomic.Uint64
	}

	waitOnce sync.Once
	finished chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context when any goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{finished: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure seen, or nil.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Panics   uint64 `json:"panics"`
	Restarts uint64 `json:"restarts"`
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:   s.stats.active.Load(),
		Started:  s.stats.started.Load(),
		Panics:   s.stats.panics.Load(),
		Restarts: s.stats.restarts.Load(),
	}
}

// Go runs fn in the group. A returned error other than context.Canceled,
// or a panic, becomes the group's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.stats.started.Add(1)
	s.stats.active.Add(1)
	s.group.Go(func() error {
		defer s.stats.active.Add(-1)
		log := s.log.With(logx.String("goroutine", name))
		log.Debug("goroutine started")
		defer log.Debug("goroutine stopped")

		err := s.call(log, fn)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, errPanic):
			err = fmt.Errorf("panic in %s: %w", name, err)
		default:
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.fail(err)
		return err
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

var errPanic = errors.New("recovered")

// call runs fn with the group context and turns a panic into an error
// wrapping errPanic.
func (s *Supervisor) call(log logx.Logger, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.stats.panics.Add(1)
		log.Error("goroutine panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		err = fmt.Errorf("%w: %v", errPanic, r)
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.first.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns
// ctx's error on timeout, otherwise the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			_ = s.group.Wait()
			close(s.finished)
		}()
	})
	select {
	case <-s.finished:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
