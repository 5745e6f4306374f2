package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"botgate/pkg/logx"
)

// A run that lasts this long counts as healthy and resets the backoff.
const healthyRun = 30 * time.Second

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // 0 is unlimited
	untilClean  bool
}

type RestartOption func(*restartPolicy)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts following the first run.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithRestartOnCleanExit restarts fn even when it returns nil.
func WithRestartOnCleanExit() RestartOption {
	return func(p *restartPolicy) { p.untilClean = false }
}

// backoff doubles from min to max and adds up to 20% jitter.
type backoff struct {
	min, max, next time.Duration
}

func (b *backoff) reset() { b.next = b.min }

func (b *backoff) step() time.Duration {
	d := b.next
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	b.next = min(b.next*2, b.max)
	return d
}

// GoRestart runs fn and runs it again after an error or panic until the
// context ends or fn returns nil.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, untilClean: true}
	for _, opt := range opts {
		opt(&p)
	}
	b := &backoff{min: p.min, max: max(p.max, p.min)}
	b.reset()

	s.Go0(name+".restart", func(ctx context.Context) {
		log := s.log.With(logx.String("goroutine", name))
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(log, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.untilClean {
					return
				}
				err = errors.New("exited")
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				log.Error("giving up", logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(began) >= healthyRun {
				b.reset()
			}
			wait := b.step()
			log.Warn("restarting", logx.Duration("backoff", wait), logx.Err(err))
			s.stats.restarts.Add(1)

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}
