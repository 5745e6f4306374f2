package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/router"
	"botgate/internal/runtime/lifecycle"
	"botgate/internal/runtime/supervisor"
	"botgate/internal/services/watchdog"
	"botgate/internal/storage"
	"botgate/internal/transport/httpx"
	"botgate/pkg/logx"
)

// hookTimeout bounds each lifecycle hook. Account connects run inside the
// "accounts" hook, so it is generous.
const hookTimeout = 30 * time.Second

// App owns the configuration store, the registries, the router and every
// live account. Account mutations are serialized; Start, Stop and Reload
// are serialized with each other.
type App struct {
	store     *config.Store
	platforms *core.AdapterRegistry
	protocols *core.ProtocolRegistry
	router    *router.Router
	handler   http.Handler
	lc        *lifecycle.Manager
	dog       *watchdog.Service

	// root carries no component field; log is root tagged comp=app.
	root logx.Logger
	log  logx.Logger
	logs *logx.Service

	// lifeMu serializes Start, Stop and Reload. sup is set while started.
	lifeMu    sync.Mutex
	sup       atomic.Pointer[supervisor.Supervisor]
	cfgSup    *supervisor.Supervisor
	startedAt atomic.Int64

	ln       net.Listener
	lnAddr   string
	noListen bool
	srv      *http.Server
	addr     atomic.Pointer[string]

	dmu  sync.RWMutex
	data storage.Store

	// mu serializes account mutations, building and clearing.
	mu       sync.Mutex
	amu      sync.RWMutex
	adapters map[string]*core.Adapter
	built    bool
	running  atomic.Bool
}

type Option func(*App)

// WithLogger uses log instead of a logging service built from the config.
// Logging settings are then not hot reloaded.
func WithLogger(log logx.Logger) Option { return func(a *App) { a.log = log } }

// WithRegistries replaces the default platform and protocol registries.
func WithRegistries(platforms *core.AdapterRegistry, protocols *core.ProtocolRegistry) Option {
	return func(a *App) { a.platforms, a.protocols = platforms, protocols }
}

// WithListener serves HTTP on ln instead of listening on server.host:port.
func WithListener(ln net.Listener) Option { return func(a *App) { a.ln = ln } }

// WithoutListener skips the HTTP listener; Handler still serves requests.
func WithoutListener() Option { return func(a *App) { a.noListen = true } }

// New builds the application from the store's current document. Accounts
// are created and attached but nothing connects until Start.
func New(store *config.Store, opts ...Option) (*App, error) {
	a := &App{store: store, adapters: map[string]*core.Adapter{}}
	for _, o := range opts {
		o(a)
	}
	cfg := store.Get()

	if a.log.IsZero() {
		a.logs, a.log = logx.New(cfg.Logging.ToLogx())
	}
	a.root = a.log
	a.log = a.root.With(logx.String("comp", "app"))

	if a.platforms == nil || a.protocols == nil {
		platforms, protocols, err := DefaultRegistries()
		if err != nil {
			return nil, err
		}
		if a.platforms == nil {
			a.platforms = platforms
		}
		if a.protocols == nil {
			a.protocols = protocols
		}
	}
	if err := a.checkTypes(cfg); err != nil {
		return nil, err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	}

	store.SetLogger(a.root.With(logx.String("comp", "config")))
	store.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapStorageConfig(c); err != nil {
			return err
		}
		if c.Watchdog.Schedule != "" {
			if err := a.dog.Validate(c.Watchdog.Schedule); err != nil {
				return err
			}
		}
		return a.checkTypes(c)
	})

	a.router = router.New(a.protocols,
		router.WithLogger(a.root.With(logx.String("comp", "router"))),
		router.WithCredentials(credentials(cfg)),
	)
	httpLog := a.root.With(logx.String("comp", "http"))
	a.handler = httpx.Chain(a.router, httpx.Recover(httpLog), httpx.RequestLog(httpLog))
	setProfileRates(cfg.Debug)
	a.dog = watchdog.New(watchdogFleet{a}, a.root)
	if cfg.Watchdog.Schedule != "" {
		if err := a.dog.Validate(cfg.Watchdog.Schedule); err != nil {
			return nil, err
		}
	}

	a.lc = lifecycle.New(a.root.With(logx.String("comp", "lifecycle")), lifecycle.WithHookTimeout(hookTimeout))
	hooks := []struct {
		name        string
		stop, start lifecycle.Hook
	}{
		{"storage", a.closeStorage, a.openStorage},
		{"http", a.stopHTTP, a.startHTTP},
		{"accounts", a.stopAccounts, a.startAccounts},
		{"watchdog", a.stopWatchdog, a.startWatchdog},
		{"config", a.stopConfigLoops, a.startConfigLoops},
	}
	for _, h := range hooks {
		if err := a.lc.Register(h.name, h.stop, h.start); err != nil {
			return nil, err
		}
	}
	if a.logs != nil {
		a.lc.RegisterCleanup("logging", func(context.Context) error { return a.logs.Close() })
	}

	a.mu.Lock()
	a.buildLocked(cfg.Accounts)
	a.mu.Unlock()
	return a, nil
}

// Handler serves protocol and management traffic: the router behind panic
// recovery and request logging.
func (a *App) Handler() http.Handler { return a.handler }

// Router exposes the route table, mostly for monitoring.
func (a *App) Router() *router.Router { return a.router }

// SetManagementHandler installs the handler for authenticated
// non-protocol paths.
func (a *App) SetManagementHandler(h http.Handler) { a.router.SetFallback(h) }

func (a *App) Store() *config.Store { return a.store }

// Logger is the root logger, for components wired next to the app.
func (a *App) Logger() logx.Logger { return a.root }

func (a *App) Platforms() *core.AdapterRegistry { return a.platforms }

func (a *App) Protocols() *core.ProtocolRegistry { return a.protocols }

// Running reports whether Start completed and Stop has not begun.
func (a *App) Running() bool { return a.running.Load() }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	sup := a.sup.Load()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	sup := a.sup.Load()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Start runs the lifecycle: storage, HTTP listener, accounts, watchdog and
// config watching, in that order. A failing step rolls back the steps
// before it.
func (a *App) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	return a.startLocked(ctx)
}

func (a *App) startLocked(ctx context.Context) error {
	if a.sup.Load() != nil {
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup.Store(sup)
	if err := a.lc.Start(sup.Context()); err != nil {
		sup.Cancel()
		a.sup.Store(nil)
		return err
	}
	a.startedAt.Store(time.Now().UnixNano())
	a.log.Info("app started", logx.Int("accounts", len(a.liveAccounts())))
	return nil
}

// Stop runs the stop hooks in reverse, stops every account, clears the
// live state and runs cleanup. Failures are joined; every step runs.
func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	err := a.shutdownLocked(ctx, reason)
	a.log.Info("stopped", logx.String("reason", string(reason)))
	return errors.Join(err, a.lc.Cleanup(ctx))
}

func (a *App) shutdownLocked(ctx context.Context, reason lifecycle.StopReason) error {
	sup := a.sup.Load()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	err := a.lc.Stop(ctx, reason)

	a.mu.Lock()
	a.clearLocked()
	a.mu.Unlock()

	if werr := sup.Stop(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	a.sup.Store(nil)
	a.startedAt.Store(0)
	return err
}

// Reload stops the application, rebuilds it from cfg and starts it again
// if it was running. A nil cfg re-reads the backing file without
// rewriting it. An invalid document leaves everything untouched.
func (a *App) Reload(ctx context.Context, cfg *config.Config) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	fromDisk := cfg == nil
	var err error
	if fromDisk {
		cfg, err = a.store.Parse()
	} else {
		cfg = cfg.Clone()
		cfg.ApplyDefaults()
		err = cfg.Validate()
	}
	if err != nil {
		return err
	}
	if err := a.checkTypes(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}

	prev := a.store.Get()
	wasRunning := a.sup.Load() != nil
	stopErr := a.shutdownLocked(ctx, lifecycle.StopConfigReload)

	if fromDisk {
		_, err = a.store.Load()
	} else {
		_, err = a.store.Replace(cfg)
	}
	if err != nil {
		a.log.Warn("reload commit failed; keeping previous config", logx.Err(err))
	}
	next := a.store.Get()
	a.applyRuntime(prev, next)

	a.mu.Lock()
	a.buildLocked(next.Accounts)
	a.mu.Unlock()

	if wasRunning {
		if serr := a.startLocked(ctx); serr != nil {
			return errors.Join(err, stopErr, serr)
		}
	}
	sections, fields := config.SummarizeConfigChange(prev, next)
	a.log.Info("config reloaded", append(fields, logx.Strings("changed", sections))...)
	return errors.Join(err, stopErr)
}

// applyRuntime pushes settings that change without a restart: logging,
// management credentials and the watchdog schedule.
func (a *App) applyRuntime(prev, next *config.Config) {
	if a.logs != nil {
		a.logs.Apply(next.Logging.ToLogx())
	}
	a.router.SetCredentials(credentials(next))
	if prev == nil || prev.Debug != next.Debug {
		setProfileRates(next.Debug)
	}
	if a.Running() && storageChanged(prev, next) {
		a.log.Warn("storage config changed; reload required for changes to take effect")
	}
}

func setProfileRates(d config.DebugConfig) {
	runtime.SetBlockProfileRate(d.BlockProfileRate)
	runtime.SetMutexProfileFraction(d.MutexProfileFraction)
}

func credentials(cfg *config.Config) router.Credentials {
	s := cfg.Server.WithEnv()
	return router.Credentials{Username: s.Username, Password: s.Password}
}

// ---- lifecycle hooks ----

func (a *App) openStorage(context.Context) error {
	sc, err := mapStorageConfig(a.store.Get())
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.dmu.Lock()
	a.data = st
	a.dmu.Unlock()
	a.log.Debug("storage opened", logx.String("driver", driverName(sc)))
	return nil
}

func (a *App) closeStorage(context.Context) error {
	a.dmu.Lock()
	st := a.data
	a.data = nil
	a.dmu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close()
}

func (a *App) dataStore() storage.Store {
	a.dmu.RLock()
	defer a.dmu.RUnlock()
	return a.data
}

func (a *App) startHTTP(context.Context) error {
	if a.noListen {
		return nil
	}
	cfg := a.store.Get()
	// An injected listener is used once; restarts rebind its address.
	ln := a.ln
	a.ln = nil
	if ln != nil {
		a.lnAddr = ln.Addr().String()
	} else {
		addr := a.lnAddr
		if addr == "" {
			addr = cfg.Server.Addr()
		}
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return err
		}
	}
	addr := ln.Addr().String()
	a.addr.Store(&addr)
	readTimeout, _ := config.ParseDuration("server.read_timeout", cfg.Server.ReadTimeout, 0)
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
	}
	a.srv = srv
	a.sup.Load().Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("http listening", logx.String("addr", addr))
	return nil
}

func (a *App) stopHTTP(ctx context.Context) error {
	srv := a.srv
	a.srv = nil
	a.addr.Store(nil)
	if srv == nil {
		return nil
	}
	timeout, _ := config.ParseDuration("server.shutdown_timeout", a.store.Get().Server.ShutdownTimeout, config.DefaultShutdownTimeout)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

// Addr is the address the HTTP listener is bound to, empty before Start.
func (a *App) Addr() string {
	if p := a.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// startAccounts starts every enabled account of every adapter
// concurrently. A failing account is logged and left offline.
func (a *App) startAccounts(ctx context.Context) error {
	a.mu.Lock()
	if !a.built {
		a.buildLocked(a.store.Accounts())
	}
	a.running.Store(true)
	adapters := a.adapterList()
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, ad := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ad.StartAll(ctx); err != nil {
				a.log.Warn("some accounts failed to start", logx.String("platform", ad.Meta().Name), logx.Err(err))
			}
		}()
	}
	wg.Wait()
	return nil
}

// stopAccounts stops every account of every adapter concurrently and
// waits for all of them.
func (a *App) stopAccounts(ctx context.Context) error {
	a.mu.Lock()
	a.running.Store(false)
	adapters := a.adapterList()
	a.mu.Unlock()

	errList := make([]error, len(adapters))
	var wg sync.WaitGroup
	for i, ad := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errList[i] = ad.StopAll(ctx, false)
		}()
	}
	wg.Wait()
	return errors.Join(errList...)
}

func (a *App) startWatchdog(context.Context) error {
	return a.dog.Start(a.sup.Load().Context(), a.store.Get().Watchdog)
}

func (a *App) stopWatchdog(ctx context.Context) error {
	a.dog.Stop(ctx)
	return nil
}

func (a *App) startConfigLoops(context.Context) error {
	a.cfgSup = supervisor.New(a.sup.Load().Context(), supervisor.WithLogger(a.log))
	sub := a.store.Subscribe(8)
	a.cfgSup.Go0("config.reload", func(c context.Context) { a.reconcileLoop(c, sub) })
	a.cfgSup.Go("config.watch", a.store.Watch)
	return nil
}

func (a *App) stopConfigLoops(ctx context.Context) error {
	if a.cfgSup == nil {
		return nil
	}
	err := a.cfgSup.Stop(ctx)
	a.cfgSup = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ---- message ids ----

// messageIDs forwards to whichever store is open, so adapters created
// before Start see the store opened by it.
type messageIDs struct{ a *App }

func (m messageIDs) InternMessageID(ctx context.Context, scope, platformID string) (int32, error) {
	st := m.a.dataStore()
	if st == nil {
		return 0, storage.ErrClosed
	}
	return st.InternMessageID(ctx, scope, platformID)
}

func (m messageIDs) ResolveMessageID(ctx context.Context, scope string, id int32) (string, error) {
	st := m.a.dataStore()
	if st == nil {
		return "", storage.ErrClosed
	}
	return st.ResolveMessageID(ctx, scope, id)
}
