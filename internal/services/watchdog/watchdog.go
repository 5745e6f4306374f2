// Package watchdog periodically restarts accounts that went offline on
// their own. Only enabled accounts with auto_restart are touched.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"botgate/internal/config"
	"botgate/internal/errs"
	"botgate/pkg/logx"
)

// Fleet is the view of the accounts the watchdog needs.
type Fleet interface {
	// RestartCandidates lists enabled, auto_restart accounts that are
	// offline.
	RestartCandidates() []config.AccountKey
	StartAccount(ctx context.Context, platform, accountID string) error
}

type Service struct {
	fleet  Fleet
	log    logx.Logger
	parser cron.Parser
	// perAccount bounds one restart attempt.
	perAccount time.Duration

	mu      sync.Mutex
	cfg     config.WatchdogConfig
	c       *cron.Cron
	running atomic.Bool

	scans    atomic.Uint64
	restarts atomic.Uint64
	failures atomic.Uint64
}

type Option func(*Service)

func WithAttemptTimeout(d time.Duration) Option { return func(s *Service) { s.perAccount = d } }

func New(fleet Fleet, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		fleet: fleet,
		log:   log.With(logx.String("comp", "watchdog")),
		// SecondOptional allows both 5-field and 6-field specs.
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		perAccount: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate parses a schedule without starting anything.
func (s *Service) Validate(spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return errs.Config("watchdog.schedule", "%v", err)
	}
	return nil
}

// Start schedules scans per cfg. A disabled config starts nothing. Calling
// Start again replaces the schedule.
func (s *Service) Start(ctx context.Context, cfg config.WatchdogConfig) error {
	spec := cfg.Schedule
	if spec == "" {
		spec = config.DefaultWatchdogSchedule
	}
	if err := s.Validate(spec); err != nil {
		return err
	}
	s.Stop(ctx)
	if !cfg.Enabled {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(spec, func() { s.Scan(runCtx) }); err != nil {
		return errs.Config("watchdog.schedule", "%v", err)
	}
	s.mu.Lock()
	s.cfg, s.c = cfg, c
	s.mu.Unlock()
	c.Start()
	s.log.Info("watchdog started", logx.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running scan, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("watchdog stop timed out; scan continues in background")
	}
}

// Scan restarts every candidate once. Scans never overlap; a tick that
// arrives while one is running is skipped.
func (s *Service) Scan(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("watchdog scan skipped; previous scan still running")
		return
	}
	defer s.running.Store(false)
	s.scans.Add(1)

	for _, k := range s.fleet.RestartCandidates() {
		if ctx.Err() != nil {
			return
		}
		s.restart(ctx, k)
	}
}

func (s *Service) restart(ctx context.Context, k config.AccountKey) {
	log := s.log.With(logx.Account(k.Platform, k.AccountID))
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			log.Error("watchdog restart panicked", logx.Any("panic", r))
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, s.perAccount)
	defer cancel()

	err := s.fleet.StartAccount(cctx, k.Platform, k.AccountID)
	switch {
	case err == nil:
		s.restarts.Add(1)
		log.Info("watchdog restarted account")
	case errors.Is(err, errs.ErrState):
		// Someone else started or removed it meanwhile.
	default:
		s.failures.Add(1)
		log.Warn("watchdog restart failed", logx.Err(err))
	}
}

type Stats struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Scans    uint64 `json:"scans"`
	Restarts uint64 `json:"restarts"`
	Failures uint64 `json:"failures"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Enabled:  s.c != nil,
		Schedule: s.cfg.Schedule,
		Scans:    s.scans.Load(),
		Restarts: s.restarts.Load(),
		Failures: s.failures.Load(),
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
