package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"botgate/internal/config"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/internal/runtime/supervisor"
	"botgate/pkg/logx"
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultQueueSize  = 1024
	DefaultDrainGrace = 3 * time.Second

	deliverTimeout = 30 * time.Second
	unbindTimeout  = 5 * time.Second
)

// AccountStatus is a point-in-time view for monitoring.
type AccountStatus struct {
	Platform    string    `json:"platform"`
	AccountID   string    `json:"account_id"`
	State       string    `json:"state"`
	Enabled     bool      `json:"enabled"`
	AutoRestart bool      `json:"auto_restart"`
	Since       time.Time `json:"since"`
	LastError   string    `json:"last_error,omitempty"`
	Routes      []string  `json:"routes"`
	Dispatched  uint64    `json:"dispatched"`
	Dropped     uint64    `json:"dropped"`
	Failed      uint64    `json:"failed"`
}

// Account runs one platform credential: its client connection, the
// protocols bound to it while online, and an ordered event queue feeding
// them.
//
// Start and Stop are serialized per account. Dispatch is safe from any
// goroutine and never blocks.
type Account struct {
	cfg      config.AccountConfig
	platform PlatformMeta
	factory  PlatformFactory
	deps     AdapterDeps
	log      logx.Logger
	drops    *logx.Sampled
	failures *logx.Sampled
	limiter  *rate.Limiter

	opMu    sync.Mutex
	state   atomic.Int32
	since   atomic.Int64
	lastErr atomic.Pointer[string]
	sess    atomic.Pointer[session]

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

func newAccount(cfg config.AccountConfig, meta PlatformMeta, f PlatformFactory, deps AdapterDeps) *Account {
	log := deps.Log.With(logx.String("comp", "account"), logx.Account(cfg.Platform, cfg.AccountID))
	a := &Account{
		cfg:      cfg,
		platform: meta,
		factory:  f,
		deps:     deps,
		log:      log,
		drops:    logx.NewSampled(log, 5*time.Second),
		failures: logx.NewSampled(log, time.Second),
	}
	if r := cfg.CallRate(); r > 0 {
		burst := int(math.Max(1, math.Ceil(r)))
		a.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	a.since.Store(time.Now().UnixNano())
	return a
}

func (a *Account) Key() config.AccountKey { return a.cfg.Key() }

// Config returns a copy of the configuration the account was built from.
// It never changes; updates build a new Account.
func (a *Account) Config() config.AccountConfig { return a.cfg.Clone() }

func (a *Account) State() State { return State(a.state.Load()) }

func (a *Account) Online() bool { return a.State() == StateOnline }

func (a *Account) setState(s State) {
	a.state.Store(int32(s))
	a.since.Store(time.Now().UnixNano())
}

func (a *Account) LastError() error {
	if p := a.lastErr.Load(); p != nil {
		return errors.New(*p)
	}
	return nil
}

func (a *Account) setErr(err error) {
	if err == nil {
		a.lastErr.Store(nil)
		return
	}
	s := err.Error()
	a.lastErr.Store(&s)
}

func (a *Account) wrap(op string, err error) error {
	return errs.Wrap(err, a.cfg.Platform, a.cfg.AccountID, "", op)
}

func (a *Account) Status() AccountStatus {
	st := AccountStatus{
		Platform:    a.cfg.Platform,
		AccountID:   a.cfg.AccountID,
		State:       a.State().String(),
		Enabled:     a.cfg.IsEnabled(),
		AutoRestart: a.cfg.RestartsAutomatically(),
		Since:       time.Unix(0, a.since.Load()),
		Routes:      []string{},
		Dispatched:  a.dispatched.Load(),
		Dropped:     a.dropped.Load(),
		Failed:      a.failed.Load(),
	}
	if p := a.lastErr.Load(); p != nil {
		st.LastError = *p
	}
	if s := a.sess.Load(); s != nil {
		for _, bp := range s.protocols {
			st.Routes = append(st.Routes, bp.key.String())
		}
	}
	return st
}

// Start connects the platform client and, only once connected, binds and
// mounts one protocol per enabled protocol config. Any failure unwinds what
// was set up and leaves the account offline.
func (a *Account) Start(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if st := a.State(); st != StateIdle && st != StateOffline {
		return &errs.StateError{From: st.String(), To: StateStarting.String()}
	}
	a.setState(StateStarting)
	a.log.Info("account starting")

	sess, err := a.start(ctx)
	if err != nil {
		a.setErr(err)
		a.setState(StateOffline)
		a.log.Warn("account start failed", logx.Err(err))
		return err
	}
	a.setErr(nil)
	a.sess.Store(sess)
	a.setState(StateOnline)
	// Set before the goroutine runs so an immediate graceful stop still
	// waits for the drain.
	sess.workerStarted.Store(true)
	sess.sup.Go0("dispatch", sess.deliverLoop)
	a.log.Info("account online", logx.Int("protocols", len(sess.protocols)))
	return nil
}

func (a *Account) start(ctx context.Context) (*session, error) {
	client, err := a.factory(a.cfg.Clone(), PlatformDeps{Log: a.log})
	if err != nil {
		return nil, a.wrap("create client", err)
	}
	sess := a.newSession(client)
	if err := client.Connect(ctx, sess); err != nil {
		sess.sup.Cancel()
		return nil, a.wrap("connect", err)
	}

	bot := &accountBot{acc: a, client: client}
	var guild GuildBot
	if g, ok := client.(GuildBot); ok {
		guild = &accountGuild{bot: bot, guild: g}
	}

	for _, pc := range a.cfg.EnabledProtocols() {
		key := RouteKey{Platform: a.cfg.Platform, AccountID: a.cfg.AccountID, Protocol: pc.Name, Version: pc.Version}
		if err := a.bindProtocol(sess, key, pc, bot, guild); err != nil {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unbindTimeout)
			_ = a.teardown(uctx, sess, true)
			cancel()
			return nil, errs.Wrap(err, a.cfg.Platform, a.cfg.AccountID, key.Protocol+"/"+key.Version, "bind")
		}
	}
	return sess, nil
}

func (a *Account) bindProtocol(sess *session, key RouteKey, pc config.ProtocolConfig, bot Bot, guild GuildBot) error {
	if a.deps.Protocols == nil {
		return &errs.UnknownTypeError{Kind: "protocol", Key: pc.Name + "/" + pc.Version}
	}
	settings := pc.Settings
	if a.deps.ProtocolSettings != nil {
		settings = a.deps.ProtocolSettings(pc)
	}
	p, err := a.deps.Protocols.Create(ProtocolKey{Name: pc.Name, Version: pc.Version}, ProtocolDeps{
		Key:      key,
		Settings: settings,
		Log:      a.log.With(logx.Protocol(pc.Name, pc.Version)),
		IDs:      a.deps.IDs,
	})
	if err != nil {
		return err
	}
	if err := p.Bind(Binding{Key: key, Bot: bot, Guild: guild}); err != nil {
		return err
	}
	if a.deps.Mounter != nil {
		if err := a.deps.Mounter.Mount(key, p); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
			_ = p.Unbind(ctx)
			cancel()
			return err
		}
	}
	sess.protocols = append(sess.protocols, boundProtocol{key: key, p: p})
	return nil
}

// Stop unmounts and unbinds every protocol, then disconnects the client.
// A graceful stop first drains queued events for up to the drain grace;
// force skips the drain and cancels in-flight delivery. Stopping an
// account that is not running is a no-op.
func (a *Account) Stop(ctx context.Context, force bool) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	st := a.State()
	if st == StateIdle || st == StateOffline {
		return nil
	}
	sess := a.sess.Load()
	a.log.Info("account stopping", logx.Bool("force", force))
	err := a.teardown(ctx, sess, force)
	a.sess.Store(nil)
	a.setState(StateOffline)
	if err != nil {
		a.log.Warn("account stopped with errors", logx.Err(err))
	} else {
		a.log.Info("account offline")
	}
	return err
}

func (a *Account) teardown(ctx context.Context, sess *session, force bool) error {
	if sess == nil {
		return nil
	}
	sess.closeIntake()

	if force {
		sess.sup.Cancel()
	} else if sess.workerStarted.Load() {
		grace := a.deps.DrainGrace
		if grace <= 0 {
			grace = DefaultDrainGrace
		}
		t := time.NewTimer(grace)
		select {
		case <-sess.workerDone:
		case <-t.C:
			a.log.Warn("dispatch drain timed out; dropping queued events", logx.Int("queued", len(sess.queue)))
		case <-ctx.Done():
		}
		t.Stop()
		sess.sup.Cancel()
	}

	var errList []error
	for i := len(sess.protocols) - 1; i >= 0; i-- {
		bp := sess.protocols[i]
		if a.deps.Mounter != nil {
			a.deps.Mounter.Unmount(bp.key)
		}
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unbindTimeout)
		if err := safeCall(func() error { return bp.p.Unbind(uctx) }); err != nil {
			errList = append(errList, errs.Wrap(err, a.cfg.Platform, a.cfg.AccountID, bp.key.Protocol+"/"+bp.key.Version, "unbind"))
		}
		cancel()
	}

	if err := safeCall(func() error { return sess.client.Disconnect(ctx) }); err != nil {
		errList = append(errList, a.wrap("disconnect", err))
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unbindTimeout)
	defer cancel()
	if err := sess.sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("account goroutines still running after stop")
		} else {
			a.log.Warn("account goroutine failed", logx.Err(err))
		}
	}
	return errors.Join(errList...)
}

// Dispatch queues e for ordered delivery to the bound protocols. Events
// for an account that is not online, or that overflow the queue, are
// counted as dropped.
func (a *Account) Dispatch(e event.Event) {
	s := a.sess.Load()
	if s == nil {
		a.drop(e, "offline")
		return
	}
	s.Dispatch(e)
}

func (a *Account) drop(e event.Event, reason string) {
	a.dropped.Add(1)
	a.drops.Warn("event dropped",
		logx.String("reason", reason),
		logx.String("event_type", string(e.Type)),
		logx.Uint64("dropped_total", a.dropped.Load()),
	)
}

func (a *Account) connectionLost(sess *session, cause error) {
	go func() {
		a.opMu.Lock()
		defer a.opMu.Unlock()
		if a.sess.Load() != sess || a.State() != StateOnline {
			return
		}
		a.log.Warn("platform connection lost", logx.Err(cause))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.teardown(ctx, sess, true)
		a.sess.Store(nil)
		if cause == nil {
			cause = errors.New("connection closed")
		}
		a.setErr(a.wrap("connection lost", cause))
		a.setState(StateOffline)
	}()
}

type boundProtocol struct {
	key RouteKey
	p   Protocol
}

// session is the state of one online period. A restart builds a new one,
// so late callbacks from an old client cannot reach new protocols.
type session struct {
	acc       *Account
	client    Client
	sup       *supervisor.Supervisor
	protocols []boundProtocol // fixed once online; read without a lock

	intakeMu sync.RWMutex
	closed   bool
	queue    chan event.Event

	workerStarted atomic.Bool
	workerDone    chan struct{}
}

func (a *Account) newSession(client Client) *session {
	size := a.deps.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &session{
		acc:        a,
		client:     client,
		sup:        supervisor.New(context.Background(), supervisor.WithLogger(a.log)),
		queue:      make(chan event.Event, size),
		workerDone: make(chan struct{}),
	}
}

// Dispatch implements Sink.
func (s *session) Dispatch(e event.Event) {
	a := s.acc
	if a.sess.Load() != s || a.State() != StateOnline {
		a.drop(e, "offline")
		return
	}
	s.intakeMu.RLock()
	defer s.intakeMu.RUnlock()
	if s.closed {
		a.drop(e, "stopping")
		return
	}
	select {
	case s.queue <- e:
	default:
		a.drop(e, "queue_full")
	}
}

// ConnectionLost implements Sink.
func (s *session) ConnectionLost(err error) { s.acc.connectionLost(s, err) }

func (s *session) closeIntake() {
	s.intakeMu.Lock()
	defer s.intakeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *session) deliverLoop(ctx context.Context) {
	defer close(s.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(ctx, e)
		}
	}
}

// deliver hands e to every bound protocol in bind order. A failing or
// panicking protocol is logged and skipped; the others still get e.
func (s *session) deliver(ctx context.Context, e event.Event) {
	a := s.acc
	for _, bp := range s.protocols {
		if ctx.Err() != nil {
			return
		}
		ectx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := safeCall(func() error { return bp.p.OnEvent(ectx, e) })
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.failures.Warn("protocol failed to handle event",
				logx.Protocol(bp.key.Protocol, bp.key.Version),
				logx.String("event_id", e.ID),
				logx.Err(err),
			)
		}
	}
	a.dispatched.Add(1)
}

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
