// Package router multiplexes HTTP and WebSocket traffic for
// /{platform}/{account_id}/{protocol}/{version}/... to the protocol bound
// there, and everything else to the management handler behind Basic auth.
package router

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/transport/httpx"
	"botgate/internal/transport/ws"
	"botgate/pkg/logx"
)

// Policy decides which four-segment paths are protocol traffic.
// *core.ProtocolRegistry implements it.
type Policy interface {
	Has(name, version string) bool
}

type table map[core.RouteKey]*route

// Router is an http.Handler. Lookups are lock-free; Mount and Unmount
// copy the table under a mutex and swap it in.
type Router struct {
	log    logx.Logger
	policy Policy

	creds    atomic.Pointer[Credentials]
	fallback atomic.Pointer[http.Handler]

	wmu    sync.Mutex
	routes atomic.Pointer[table]
}

type Option func(*Router)

func WithLogger(log logx.Logger) Option { return func(r *Router) { r.log = log } }

func WithCredentials(c Credentials) Option {
	return func(r *Router) { r.creds.Store(&c) }
}

// WithFallback sets the handler for authenticated non-protocol traffic.
func WithFallback(h http.Handler) Option {
	return func(r *Router) { r.fallback.Store(&h) }
}

func New(policy Policy, opts ...Option) *Router {
	r := &Router{log: logx.Nop(), policy: policy}
	empty := table{}
	r.routes.Store(&empty)
	r.creds.Store(&Credentials{})
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetCredentials replaces the Basic auth credentials for later requests.
func (r *Router) SetCredentials(c Credentials) { r.creds.Store(&c) }

func (r *Router) SetFallback(h http.Handler) { r.fallback.Store(&h) }

// Mount binds p at key. Mounting an occupied key fails.
func (r *Router) Mount(key core.RouteKey, p core.Protocol) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := *r.routes.Load()
	if _, ok := cur[key]; ok {
		return errs.Config("route", "%s is already mounted", key)
	}
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = newRoute(key, p)
	r.routes.Store(&next)
	r.log.Debug("route mounted", logx.String("route", key.String()))
	return nil
}

// Unmount removes key and closes every WebSocket opened through it.
// In-flight plain HTTP requests finish against the old protocol.
func (r *Router) Unmount(key core.RouteKey) {
	r.wmu.Lock()
	cur := *r.routes.Load()
	rt, ok := cur[key]
	if ok {
		next := make(table, len(cur))
		for k, v := range cur {
			if k != key {
				next[k] = v
			}
		}
		r.routes.Store(&next)
	}
	r.wmu.Unlock()
	if !ok {
		return
	}
	n := rt.close()
	r.log.Debug("route unmounted", logx.String("route", key.String()), logx.Int("closed_conns", n))
}

// Routes lists mounted keys in path order.
func (r *Router) Routes() []core.RouteKey {
	cur := *r.routes.Load()
	out := make([]core.RouteKey, 0, len(cur))
	for k := range cur {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Conns returns the number of open WebSockets on key.
func (r *Router) Conns(key core.RouteKey) int {
	rt, ok := (*r.routes.Load())[key]
	if !ok {
		return 0
	}
	return rt.len()
}

func (r *Router) lookup(key core.RouteKey) (*route, bool) {
	rt, ok := (*r.routes.Load())[key]
	return rt, ok
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	key, rest, isProtocol := r.classify(req)
	if !isProtocol {
		r.serveManaged(w, req)
		return
	}

	rt, ok := r.lookup(key)
	if !ok {
		httpx.Error(w, errs.NotFound("route %s", key))
		return
	}

	if ws.IsUpgrade(req) {
		if sh, ok := rt.p.(core.StreamHandler); ok {
			r.serveStream(w, req, rt, sh)
			return
		}
	}

	sub := req.Clone(req.Context())
	sub.URL.RawPath = rest.raw
	sub.URL.Path = rest.path
	rt.p.ServeHTTP(w, sub)
}

type remainder struct {
	path string
	raw  string
}

// classify makes the one auth policy decision for req: a path whose first
// four segments name a registered protocol/version is protocol traffic.
func (r *Router) classify(req *http.Request) (core.RouteKey, remainder, bool) {
	escaped := strings.TrimPrefix(req.URL.EscapedPath(), "/")
	parts := strings.SplitN(escaped, "/", 5)
	if len(parts) < 4 {
		return core.RouteKey{}, remainder{}, false
	}
	seg := make([]string, 4)
	for i := range seg {
		s, err := url.PathUnescape(parts[i])
		if err != nil || s == "" {
			return core.RouteKey{}, remainder{}, false
		}
		seg[i] = s
	}
	if r.policy == nil || !r.policy.Has(seg[2], seg[3]) {
		return core.RouteKey{}, remainder{}, false
	}

	rest := remainder{path: "/", raw: ""}
	if len(parts) == 5 {
		raw := "/" + parts[4]
		if p, err := url.PathUnescape(raw); err == nil {
			rest.path = p
		} else {
			rest.path = raw
		}
		if rest.path != raw {
			rest.raw = raw
		}
	}
	key := core.RouteKey{Platform: seg[0], AccountID: seg[1], Protocol: seg[2], Version: seg[3]}
	return key, rest, true
}

func (r *Router) serveManaged(w http.ResponseWriter, req *http.Request) {
	if !r.creds.Load().check(req) {
		w.Header().Set("WWW-Authenticate", `Basic realm="botgate", charset="UTF-8"`)
		httpx.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if h := r.fallback.Load(); h != nil && *h != nil {
		(*h).ServeHTTP(w, req)
		return
	}
	httpx.Error(w, errs.NotFound("path %s", req.URL.Path))
}

func (r *Router) serveStream(w http.ResponseWriter, req *http.Request, rt *route, sh core.StreamHandler) {
	conn, err := ws.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		r.log.Debug("websocket upgrade failed", logx.String("route", rt.key.String()), logx.Err(err))
		return
	}
	if !rt.track(conn) {
		conn.Close(ws.CloseGoingAway, "route unmounted")
		return
	}
	defer rt.untrack(conn)
	defer conn.Close(ws.CloseGoingAway, "")

	go conn.KeepAlive()
	ctx, cancel := context.WithCancel(rt.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-req.Context().Done():
			cancel()
		}
	}()
	r.log.Debug("websocket connected", logx.String("route", rt.key.String()), logx.String("conn", conn.ID()))
	sh.ServeStream(ctx, conn)
}

// route is one mounted protocol and the sockets opened through it.
type route struct {
	key    core.RouteKey
	p      core.Protocol
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[string]*ws.Conn
}

func newRoute(key core.RouteKey, p core.Protocol) *route {
	ctx, cancel := context.WithCancel(context.Background())
	return &route{key: key, p: p, ctx: ctx, cancel: cancel, conns: map[string]*ws.Conn{}}
}

func (rt *route) track(c *ws.Conn) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return false
	}
	rt.conns[c.ID()] = c
	return true
}

func (rt *route) untrack(c *ws.Conn) {
	rt.mu.Lock()
	delete(rt.conns, c.ID())
	rt.mu.Unlock()
}

func (rt *route) len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conns)
}

func (rt *route) close() int {
	rt.mu.Lock()
	rt.closed = true
	conns := make([]*ws.Conn, 0, len(rt.conns))
	for _, c := range rt.conns {
		conns = append(conns, c)
	}
	rt.conns = map[string]*ws.Conn{}
	rt.mu.Unlock()

	rt.cancel()
	for _, c := range conns {
		c.Close(ws.CloseGoingAway, "route unmounted")
	}
	return len(conns)
}
