package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("x") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")
	assert.Equal(t, uint64(1), s.Counters().Panics)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fail", func(ctx context.Context) error { return errors.New("bad") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail: bad")
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop did not reach clean exit")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(2), s.Counters().Restarts)
}

func TestWaitBoundedByContext(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-release })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		panic("again")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
	c := s.Counters()
	assert.Equal(t, uint64(3), c.Panics)
	assert.Equal(t, uint64(2), c.Restarts)
	assert.Zero(t, c.Active)
}

func TestRestartOnCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("poll", func(ctx context.Context) error {
		if runs.Add(1) == 3 {
			s.Cancel()
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithRestartOnCleanExit())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
}

func TestBackoffDoublesWithinBounds(t *testing.T) {
	b := &backoff{min: 10 * time.Millisecond, max: 40 * time.Millisecond}
	b.reset()
	for _, base := range []time.Duration{10, 20, 40, 40} {
		d := b.step()
		assert.GreaterOrEqual(t, d, base*time.Millisecond)
		assert.LessOrEqual(t, d, base*time.Millisecond*6/5)
	}
}
