package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sampled wraps a Logger so a hot warning path logs at most once per
// interval. Suppressed lines are counted and reported on the next emitted
// line as "suppressed".
type Sampled struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

func NewSampled(log Logger, every time.Duration) *Sampled {
	if every <= 0 {
		every = time.Second
	}
	return &Sampled{log: log, lim: rate.NewLimiter(rate.Every(every), 1)}
}

func (s *Sampled) Warn(msg string, fields ...Field) {
	if s == nil {
		return
	}
	if !s.lim.Allow() {
		s.suppressed.Add(1)
		return
	}
	if n := s.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	s.log.Warn(msg, fields...)
}
