package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"botgate/internal/config"
	"botgate/internal/event"
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

type fakeClient struct {
	UnimplementedBot
	rec        *recorder
	connectErr error
	sendDelay  time.Duration

	mu   sync.Mutex
	sink Sink
}

func (c *fakeClient) Connect(ctx context.Context, sink Sink) error {
	c.rec.add("connect")
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.rec.add("disconnect")
	return nil
}

func (c *fakeClient) emit(e event.Event) {
	c.mu.Lock()
	s := c.sink
	c.mu.Unlock()
	s.Dispatch(e)
}

func (c *fakeClient) lose(err error) {
	c.mu.Lock()
	s := c.sink
	c.mu.Unlock()
	s.ConnectionLost(err)
}

func (c *fakeClient) SendMessage(ctx context.Context, to event.Target, segs []event.Segment) (MessageRef, error) {
	if c.sendDelay > 0 {
		select {
		case <-time.After(c.sendDelay):
		case <-ctx.Done():
			return MessageRef{}, ctx.Err()
		}
	}
	return MessageRef{MessageID: "m-" + to.ID(), Time: time.Now()}, nil
}

func (c *fakeClient) GetLoginInfo(context.Context) (*User, error) {
	panic("boom")
}

type fakeProtocol struct {
	name    string
	rec     *recorder
	bindErr error
	failOn  string
	panicOn string
	block   chan struct{}

	mu     sync.Mutex
	bot    Bot
	events []string
}

func (p *fakeProtocol) Bind(b Binding) error {
	p.rec.add("bind " + p.name)
	if p.bindErr != nil {
		return p.bindErr
	}
	p.mu.Lock()
	p.bot = b.Bot
	p.mu.Unlock()
	return nil
}

func (p *fakeProtocol) Unbind(context.Context) error {
	p.rec.add("unbind " + p.name)
	return nil
}

func (p *fakeProtocol) OnEvent(ctx context.Context, e event.Event) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.events = append(p.events, e.SubType)
	p.mu.Unlock()
	if e.SubType == p.panicOn {
		panic("protocol panic")
	}
	if e.SubType == p.failOn {
		return errors.New("protocol failed")
	}
	return nil
}

func (p *fakeProtocol) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (p *fakeProtocol) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type fakeMounter struct {
	rec    *recorder
	mu     sync.Mutex
	routes map[RouteKey]Protocol
}

func newFakeMounter(rec *recorder) *fakeMounter {
	return &fakeMounter{rec: rec, routes: map[RouteKey]Protocol{}}
}

func (m *fakeMounter) Mount(key RouteKey, p Protocol) error {
	m.rec.add("mount " + key.Protocol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[key]; ok {
		return errors.New("route exists")
	}
	m.routes[key] = p
	return nil
}

func (m *fakeMounter) Unmount(key RouteKey) {
	m.rec.add("unmount " + key.Protocol)
	m.mu.Lock()
	delete(m.routes, key)
	m.mu.Unlock()
}

func (m *fakeMounter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

// harness wires one platform "mock" with protocols p1..pN.
type harness struct {
	rec       *recorder
	mounter   *fakeMounter
	protocols *ProtocolRegistry
	adapter   *Adapter
	clients   map[string]*fakeClient
	instances map[string]*fakeProtocol
	mu        sync.Mutex

	// tweak hooks run on creation.
	clientHook   func(c *fakeClient)
	protocolHook func(p *fakeProtocol)
}

func newHarness(protocolNames ...string) *harness {
	h := &harness{
		rec:       &recorder{},
		protocols: NewProtocolRegistry(),
		clients:   map[string]*fakeClient{},
		instances: map[string]*fakeProtocol{},
	}
	h.mounter = newFakeMounter(h.rec)
	for _, name := range protocolNames {
		h.protocols.MustRegister(ProtocolMeta{Name: name, Version: "v1"}, func(deps ProtocolDeps) (Protocol, error) {
			p := &fakeProtocol{name: deps.Key.Protocol, rec: h.rec}
			h.mu.Lock()
			if h.protocolHook != nil {
				h.protocolHook(p)
			}
			h.instances[deps.Key.AccountID+"/"+deps.Key.Protocol] = p
			h.mu.Unlock()
			return p, nil
		})
	}
	platforms := NewAdapterRegistry()
	platforms.MustRegister(PlatformMeta{Name: "mock"}, func(cfg config.AccountConfig, _ PlatformDeps) (Client, error) {
		c := &fakeClient{UnimplementedBot: UnimplementedBot{Platform: "mock"}, rec: h.rec}
		h.mu.Lock()
		if h.clientHook != nil {
			h.clientHook(c)
		}
		h.clients[cfg.AccountID] = c
		h.mu.Unlock()
		return c, nil
	})
	ad, err := platforms.Create("mock", AdapterDeps{
		Protocols:  h.protocols,
		Mounter:    h.mounter,
		Log:        logx.Nop(),
		DrainGrace: time.Second,
	})
	if err != nil {
		panic(err)
	}
	h.adapter = ad
	return h
}

func (h *harness) client(id string) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[id]
}

func (h *harness) protocol(id, name string) *fakeProtocol {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances[id+"/"+name]
}

func accountCfg(id string, protocols ...string) config.AccountConfig {
	ac := config.AccountConfig{Platform: "mock", AccountID: id}
	for _, p := range protocols {
		ac.Protocols = append(ac.Protocols, config.ProtocolConfig{Name: p, Version: "v1"})
	}
	return ac
}

func (h *harness) startAccount(id string, protocols ...string) (*Account, error) {
	a, err := h.adapter.CreateAccount(accountCfg(id, protocols...))
	if err != nil {
		return nil, err
	}
	if err := h.adapter.Attach(a); err != nil {
		return nil, err
	}
	return a, a.Start(context.Background())
}

func numbered(n int) []event.Event {
	out := make([]event.Event, n)
	for i := range out {
		out[i] = event.NewMeta("mock", "1", event.MetaHeartbeat).WithSubType(string(rune('a' + i)))
	}
	return out
}
