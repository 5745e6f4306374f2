package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/internal/platform/loopback"
	"botgate/internal/transport/httpx"
	"botgate/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fake is a minimal protocol: it records its binding and the events it
// sees, and answers GET /status with the account status.
type fake struct {
	n   int64
	key core.RouteKey
	rec *recorder

	mu     sync.Mutex
	bot    core.Bot
	events []string
}

func (p *fake) Bind(b core.Binding) error {
	p.mu.Lock()
	p.bot = b.Bot
	p.mu.Unlock()
	p.rec.add(fmt.Sprintf("bind %d", p.n))
	return nil
}

func (p *fake) Unbind(context.Context) error {
	p.rec.add(fmt.Sprintf("unbind %d", p.n))
	return nil
}

func (p *fake) OnEvent(_ context.Context, e event.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e.ID)
	p.mu.Unlock()
	return nil
}

func (p *fake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/status" {
		httpx.Error(w, errs.NotFound("action %s", r.URL.Path))
		return
	}
	p.mu.Lock()
	bot := p.bot
	p.mu.Unlock()
	st, err := bot.GetStatus(r.Context())
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.OK(w, st)
}

func (p *fake) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type fixture struct {
	app *App
	rec *recorder
	seq atomic.Int64

	mu     sync.Mutex
	fakes []*fake
}

func (f *fixture) newFake(deps core.ProtocolDeps) (core.Protocol, error) {
	p := &fake{n: f.seq.Add(1), key: deps.Key, rec: f.rec}
	f.mu.Lock()
	f.fakes = append(f.fakes, p)
	f.mu.Unlock()
	return p, nil
}

// fake returns the most recent fake bound at key.
func (f *fixture) fake(key core.RouteKey) *fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.fakes) - 1; i >= 0; i-- {
		if f.fakes[i].key == key {
			return f.fakes[i]
		}
	}
	return nil
}

func accountCfg(platform, id string, versions ...string) config.AccountConfig {
	ac := config.AccountConfig{Platform: platform, AccountID: id}
	for _, v := range versions {
		ac.Protocols = append(ac.Protocols, config.ProtocolConfig{Name: "fake", Version: v})
	}
	return ac
}

func memStore(t *testing.T, accounts ...config.AccountConfig) *config.Store {
	t.Helper()
	s, err := config.NewMemoryStore(&config.Config{Accounts: accounts})
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, store *config.Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{rec: &recorder{}}

	platforms := core.NewAdapterRegistry()
	require.NoError(t, platforms.Register(core.PlatformMeta{Name: "mock"}, loopback.New))
	require.NoError(t, loopback.Register(platforms))
	protocols := core.NewProtocolRegistry()
	for _, v := range []string{"v1", "v2"} {
		require.NoError(t, protocols.Register(core.ProtocolMeta{Name: "fake", Version: v}, f.newFake))
	}

	if len(opts) == 0 {
		opts = []Option{WithoutListener()}
	}
	opts = append(opts, WithLogger(logx.Nop()), WithRegistries(platforms, protocols))
	a, err := New(store, opts...)
	require.NoError(t, err)
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return f
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestProtocolStatusScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t))

	require.NoError(t, f.app.AddAccount(ctx, accountCfg("mock", "42", "v1")))
	require.NoError(t, f.app.Start(ctx))

	rr := get(f.app.Handler(), "/mock/42/fake/v1/status")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		OK   bool
		Data core.Status
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.True(t, body.Data.Online)

	require.NoError(t, f.app.RemoveAccount(ctx, "mock", "42", false))
	rr = get(f.app.Handler(), "/mock/42/fake/v1/status")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"not_found"`)
}

func TestManagementPathsRequireAuth(t *testing.T) {
	f := newFixture(t, memStore(t, accountCfg("mock", "auth1", "v1")))
	require.NoError(t, f.app.Start(context.Background()))

	assert.Equal(t, http.StatusOK, get(f.app.Handler(), "/mock/auth1/fake/v1/status").Code)
	assert.Equal(t, http.StatusUnauthorized, get(f.app.Handler(), "/api/status").Code)
	// Unregistered protocol version: not protocol traffic, so auth applies.
	assert.Equal(t, http.StatusUnauthorized, get(f.app.Handler(), "/mock/auth1/fake/v9/status").Code)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "keep", "v1")))
	require.NoError(t, f.app.Start(ctx))

	before := f.app.Store().Get()
	routesBefore := f.app.Router().Routes()

	require.NoError(t, f.app.AddAccount(ctx, accountCfg("mock", "7", "v1", "v2")))
	assert.Len(t, f.app.Router().Routes(), len(routesBefore)+2)
	st, err := f.app.AccountStatus("mock", "7")
	require.NoError(t, err)
	assert.Equal(t, "online", st.State)

	require.NoError(t, f.app.RemoveAccount(ctx, "mock", "7", true))
	assert.Equal(t, before, f.app.Store().Get())
	assert.Equal(t, routesBefore, f.app.Router().Routes())

	_, err = f.app.AccountStatus("mock", "7")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, f.app.RemoveAccount(ctx, "mock", "7", false), errs.ErrNotFound)
}

func TestAddRejectsBadAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "dup", "v1")))
	before := f.app.Store().Get()

	assert.ErrorIs(t, f.app.AddAccount(ctx, accountCfg("mock", "dup", "v1")), errs.ErrConfig)
	assert.ErrorIs(t, f.app.AddAccount(ctx, accountCfg("nope", "1", "v1")), errs.ErrUnknownType)
	assert.ErrorIs(t, f.app.AddAccount(ctx, accountCfg("mock", "2", "v7")), errs.ErrUnknownType)
	assert.ErrorIs(t, f.app.AddAccount(ctx, config.AccountConfig{Platform: "mock"}), errs.ErrConfig)
	assert.Equal(t, before, f.app.Store().Get())
}

func TestAddCommitsWhenConnectFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t))
	require.NoError(t, f.app.Start(ctx))

	bad := accountCfg("mock", "late", "v1")
	bad.AutoRestart = config.Bool(true)
	bad.Settings = config.Settings{"fail_connect": true}
	require.NoError(t, f.app.AddAccount(ctx, bad))

	_, ok := f.app.Store().Account(bad.Key())
	assert.True(t, ok)
	st, err := f.app.AccountStatus("mock", "late")
	require.NoError(t, err)
	assert.Equal(t, "offline", st.State)
	assert.Contains(t, st.LastError, "fail_connect")
	assert.Equal(t, []config.AccountKey{bad.Key()}, f.app.RestartCandidates())
}

func TestAddBeforeStartConnectsOnStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t))
	require.NoError(t, f.app.AddAccount(ctx, accountCfg("mock", "early", "v1")))

	st, err := f.app.AccountStatus("mock", "early")
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Empty(t, f.app.Router().Routes())

	require.NoError(t, f.app.Start(ctx))
	st, _ = f.app.AccountStatus("mock", "early")
	assert.Equal(t, "online", st.State)
}

func TestUpdateReplacesLiveAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "u1", "v1")))
	require.NoError(t, f.app.Start(ctx))

	old, err := f.app.account("mock", "u1")
	require.NoError(t, err)

	patch := config.AccountConfig{
		Platform:  "mock",
		AccountID: "u1",
		Protocols: []config.ProtocolConfig{{Name: "fake", Version: "v2"}},
	}
	require.NoError(t, f.app.UpdateAccount(ctx, patch))

	cur, err := f.app.account("mock", "u1")
	require.NoError(t, err)
	assert.NotSame(t, old, cur)
	assert.Equal(t, core.StateOffline, old.State())
	assert.Equal(t, "v1", old.Config().Protocols[0].Version)
	assert.Equal(t, core.StateOnline, cur.State())

	// The old protocol is unbound before the new one binds.
	assert.Equal(t, []string{"bind 1", "unbind 1", "bind 2"}, f.rec.list())
	assert.Equal(t, []core.RouteKey{{Platform: "mock", AccountID: "u1", Protocol: "fake", Version: "v2"}}, f.app.Router().Routes())

	stored, ok := f.app.Store().Account(config.AccountKey{Platform: "mock", AccountID: "u1"})
	require.True(t, ok)
	assert.Equal(t, "v2", stored.Protocols[0].Version)
}

func TestUpdateWithBadPatchChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "u2", "v1")))
	require.NoError(t, f.app.Start(ctx))
	old, _ := f.app.account("mock", "u2")

	err := f.app.UpdateAccount(ctx, accountCfg("mock", "u2", "v9"))
	assert.ErrorIs(t, err, errs.ErrUnknownType)

	cur, _ := f.app.account("mock", "u2")
	assert.Same(t, old, cur)
	assert.True(t, cur.Online())
}

func TestUpdateOfUnknownAccountAdds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t))
	require.NoError(t, f.app.Start(ctx))

	require.NoError(t, f.app.UpdateAccount(ctx, accountCfg("mock", "u3", "v1")))
	acc, err := f.app.account("mock", "u3")
	require.NoError(t, err)
	assert.True(t, acc.Online())
}

func TestForcedStopLeavesOtherAccountOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t,
		accountCfg("mock", "fa", "v1"),
		accountCfg("loopback", "fb", "v1"),
	))
	require.NoError(t, f.app.Start(ctx))

	require.NoError(t, f.app.StopAccount(ctx, "mock", "fa", true))
	fa, _ := f.app.account("mock", "fa")
	fb, _ := f.app.account("loopback", "fb")
	assert.Equal(t, core.StateOffline, fa.State())
	assert.Equal(t, core.StateOnline, fb.State())

	client, ok := loopback.Lookup("fb")
	require.True(t, ok)
	for i := range 3 {
		e := event.NewMessage("loopback", "fb", time.Now(), event.Message{
			MessageID: fmt.Sprintf("m%d", i),
			Target:    event.Target{Scene: event.ScenePrivate, UserID: "u"},
			Segments:  []event.Segment{event.Text("hi")},
		})
		require.True(t, client.Inject(e))
	}
	p := f.fake(core.RouteKey{Platform: "loopback", AccountID: "fb", Protocol: "fake", Version: "v1"})
	require.NotNil(t, p)
	require.Eventually(t, func() bool { return len(p.seen()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []core.RouteKey{{Platform: "loopback", AccountID: "fb", Protocol: "fake", Version: "v1"}}, f.app.Router().Routes())
}

func TestStartIsolatesAccountFailures(t *testing.T) {
	ctx := context.Background()
	bad := accountCfg("mock", "bad", "v1")
	bad.AutoRestart = config.Bool(true)
	bad.Settings = config.Settings{"fail_connect": true}
	f := newFixture(t, memStore(t, accountCfg("mock", "good", "v1"), bad))

	require.NoError(t, f.app.Start(ctx))
	good, _ := f.app.account("mock", "good")
	assert.True(t, good.Online())

	st, err := f.app.AccountStatus("mock", "bad")
	require.NoError(t, err)
	assert.Equal(t, "offline", st.State)
	assert.Contains(t, st.LastError, "fail_connect")
	assert.Equal(t, []config.AccountKey{{Platform: "mock", AccountID: "bad"}}, f.app.RestartCandidates())

	fixed := config.AccountConfig{Platform: "mock", AccountID: "bad", Settings: config.Settings{"fail_connect": false}}
	require.NoError(t, f.app.UpdateAccount(ctx, fixed))
	st, _ = f.app.AccountStatus("mock", "bad")
	assert.Equal(t, "online", st.State)
	assert.Empty(t, f.app.RestartCandidates())
}

func TestReloadRebuildsFromConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "r1", "v1")))
	require.NoError(t, f.app.Start(ctx))

	next := f.app.Store().Get()
	next.Accounts = []config.AccountConfig{accountCfg("mock", "r2", "v2")}
	require.NoError(t, f.app.Reload(ctx, next))

	assert.True(t, f.app.Running())
	assert.Equal(t, []core.RouteKey{{Platform: "mock", AccountID: "r2", Protocol: "fake", Version: "v2"}}, f.app.Router().Routes())
	_, err := f.app.account("mock", "r1")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	bad := f.app.Store().Get()
	bad.Accounts = append(bad.Accounts, accountCfg("nope", "x", "v1"))
	assert.ErrorIs(t, f.app.Reload(ctx, bad), errs.ErrUnknownType)
	r2, err := f.app.account("mock", "r2")
	require.NoError(t, err)
	assert.True(t, r2.Online())
}

func TestStopClearsLiveState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "s1", "v1"), accountCfg("loopback", "s2", "v1")))
	require.NoError(t, f.app.Start(ctx))
	assert.Len(t, f.app.Router().Routes(), 2)

	require.NoError(t, f.app.Stop(ctx, StopAppStop))
	assert.False(t, f.app.Running())
	assert.Empty(t, f.app.Router().Routes())
	assert.Empty(t, f.app.liveAccounts())
	for _, st := range f.app.AccountStatuses() {
		assert.Equal(t, "idle", st.State)
	}
	assert.Len(t, f.app.Store().Accounts(), 2)
	select {
	case <-f.app.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestMutationsAreAudited(t *testing.T) {
	f := newFixture(t, memStore(t))
	require.NoError(t, f.app.Start(context.Background()))

	ctx := WithActor(context.Background(), "tester")
	require.NoError(t, f.app.AddAccount(ctx, accountCfg("mock", "au", "v1")))
	require.Error(t, f.app.AddAccount(ctx, accountCfg("mock", "au", "v1")))

	entries, err := f.app.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "add", entries[0].Action)
	assert.False(t, entries[0].OK)
	assert.NotEmpty(t, entries[0].Error)
	assert.True(t, entries[1].OK)
	assert.Equal(t, "tester", entries[1].Actor)
	assert.Equal(t, "au", entries[1].AccountID)
}

func TestWatchdogRestartsAreAttributed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memStore(t, accountCfg("mock", "wd", "v1")))
	require.NoError(t, f.app.Start(ctx))
	require.NoError(t, f.app.StopAccount(ctx, "mock", "wd", true))

	require.NoError(t, watchdogFleet{f.app}.StartAccount(ctx, "mock", "wd"))

	entries, err := f.app.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "start", entries[0].Action)
	assert.Equal(t, "watchdog", entries[0].Actor)
	assert.Equal(t, "force_stop", entries[1].Action)
	assert.Equal(t, "app", entries[1].Actor)
}

func TestServesOnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := newFixture(t, memStore(t, accountCfg("mock", "l1", "v1")), WithListener(ln))
	require.NoError(t, f.app.Start(context.Background()))
	require.NotEmpty(t, f.app.Addr())

	resp, err := http.Get("http://" + f.app.Addr() + "/mock/l1/fake/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.app.Stop(context.Background(), StopAppStop))
	assert.Empty(t, f.app.Addr())
}

func TestExternalEditIsReconciled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botgate.json")
	cfg := &config.Config{Accounts: []config.AccountConfig{accountCfg("mock", "w1", "v1")}}
	cfg.ApplyDefaults()
	write := func() {
		b, err := config.Encode(config.FormatOf(path), cfg)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, b, 0o600))
	}
	write()
	store := config.NewStore(path)
	_, err := store.Load()
	require.NoError(t, err)

	f := newFixture(t, store)
	require.NoError(t, f.app.Start(context.Background()))

	cfg.Accounts = append(cfg.Accounts, accountCfg("mock", "w2", "v1"))
	// The watcher starts asynchronously; rewriting identical content is a
	// no-op for the store.
	require.Eventually(t, func() bool {
		acc, err := f.app.account("mock", "w2")
		if err == nil && acc.Online() {
			return true
		}
		write()
		return false
	}, 5*time.Second, 100*time.Millisecond)

	w1, err := f.app.account("mock", "w1")
	require.NoError(t, err)
	assert.True(t, w1.Online())
}
