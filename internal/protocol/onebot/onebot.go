// Package onebot implements the OneBot v11 and v12 bot protocols on top of
// an account's capability handle.
//
// Transports, all optional and combinable per account:
//   - HTTP actions:      POST|GET /{platform}/{id}/onebot/{v}/{action}
//   - forward WebSocket: /{platform}/{id}/onebot/{v}/ws (or any path)
//   - HTTP webhooks:     events POSTed to post_urls
//   - reverse WebSocket: the gateway dials ws_reverse_urls
package onebot

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/internal/runtime/supervisor"
	"botgate/internal/storage"
	"botgate/internal/transport/ws"
	"botgate/pkg/logx"
)

const Name = "onebot"

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Register adds onebot/v11 and onebot/v12 to reg.
func Register(reg *core.ProtocolRegistry) error {
	return errors.Join(
		reg.Register(core.ProtocolMeta{Name: Name, Version: "v11", DisplayName: "OneBot 11"}, factory(v11{})),
		reg.Register(core.ProtocolMeta{Name: Name, Version: "v12", DisplayName: "OneBot 12"}, factory(v12{})),
	)
}

// Settings are read from general.onebot, general."onebot.<version>" and
// the account's protocol entry, later sources winning.
type Settings struct {
	AccessToken string `json:"access_token"`
	// Secret signs webhook bodies (v11 X-Signature).
	Secret            string   `json:"secret"`
	PostURLs          []string `json:"post_urls"`
	PostTimeout       string   `json:"post_timeout"`
	WSReverseURLs     []string `json:"ws_reverse_urls"`
	ReconnectInterval string   `json:"reconnect_interval"`
	// HeartbeatInterval of 0 disables heartbeat meta events.
	HeartbeatInterval string `json:"heartbeat_interval"`
	// MessageFormat is "array" (default) or "string" (v11 CQ codes).
	MessageFormat string `json:"message_format"`
}

type options struct {
	postTimeout time.Duration
	reconnect   time.Duration
	heartbeat   time.Duration
	cqString    bool
}

func (s Settings) parse() (options, error) {
	var o options
	var err error
	if o.postTimeout, err = config.ParseDuration("post_timeout", s.PostTimeout, 5*time.Second); err != nil {
		return o, err
	}
	if o.reconnect, err = config.ParseDuration("reconnect_interval", s.ReconnectInterval, 3*time.Second); err != nil {
		return o, err
	}
	if o.heartbeat, err = config.ParseDuration("heartbeat_interval", s.HeartbeatInterval, 0); err != nil {
		return o, err
	}
	switch strings.ToLower(strings.TrimSpace(s.MessageFormat)) {
	case "", "array":
	case "string":
		o.cqString = true
	default:
		return o, errs.Config("message_format", "must be array or string, got %q", s.MessageFormat)
	}
	for _, u := range s.WSReverseURLs {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return o, errs.Config("ws_reverse_urls", "not a websocket url: %q", u)
		}
	}
	for _, u := range s.PostURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return o, errs.Config("post_urls", "not an http url: %q", u)
		}
	}
	return o, nil
}

func factory(d dialect) core.ProtocolFactory {
	return func(deps core.ProtocolDeps) (core.Protocol, error) {
		var s Settings
		if err := deps.Settings.Decode(&s); err != nil {
			return nil, err
		}
		opts, err := s.parse()
		if err != nil {
			return nil, err
		}
		ids := deps.IDs
		if ids == nil {
			ids = storage.NewMemory()
		}
		log := deps.Log
		if log.IsZero() {
			log = logx.Nop()
		}
		return &Protocol{
			d:       d,
			key:     deps.Key,
			set:     s,
			opts:    opts,
			log:     log,
			ids:     ids,
			hc:      &http.Client{Timeout: opts.postTimeout},
			streams: map[string]*ws.Conn{},
		}, nil
	}
}

// Protocol is one OneBot endpoint bound to one account.
type Protocol struct {
	d    dialect
	key  core.RouteKey
	set  Settings
	opts options
	log  logx.Logger
	ids  core.MessageIDs
	hc   *http.Client

	mu    sync.RWMutex
	bot   core.Bot
	guild core.GuildBot
	sup   *supervisor.Supervisor

	smu     sync.Mutex
	streams map[string]*ws.Conn
}

func (p *Protocol) Bind(b core.Binding) error {
	if b.Bot == nil {
		return errs.Config("binding", "bot is required")
	}
	sup := supervisor.New(context.Background(), supervisor.WithLogger(p.log))
	p.mu.Lock()
	p.bot, p.guild, p.sup = b.Bot, b.Guild, sup
	p.mu.Unlock()

	for _, u := range p.set.WSReverseURLs {
		p.startReverse(sup, u)
	}
	if p.opts.heartbeat > 0 {
		sup.Go0("onebot.heartbeat", p.heartbeatLoop)
	}
	p.log.Info("onebot bound",
		logx.String("version", p.d.version()),
		logx.Int("post_urls", len(p.set.PostURLs)),
		logx.Int("ws_reverse", len(p.set.WSReverseURLs)),
	)
	return nil
}

// Unbind stops background loops and closes every stream this protocol
// owns. Forward WebSockets are also closed by the router on unmount.
func (p *Protocol) Unbind(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()

	p.smu.Lock()
	conns := make([]*ws.Conn, 0, len(p.streams))
	for _, c := range p.streams {
		conns = append(conns, c)
	}
	p.streams = map[string]*ws.Conn{}
	p.smu.Unlock()
	for _, c := range conns {
		c.Close(ws.CloseGoingAway, "unbound")
	}

	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Protocol) handles() (core.Bot, core.GuildBot) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bot, p.guild
}

func (p *Protocol) scope() string { return p.key.Account().String() }

// OnEvent pushes e to every connected stream and webhook. Stream write
// failures drop that stream; webhook failures are returned.
func (p *Protocol) OnEvent(ctx context.Context, e event.Event) error {
	payload, ok, err := p.d.encodeEvent(ctx, p, e)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.broadcast(body)
	return p.postAll(ctx, e, body)
}

func (p *Protocol) broadcast(body []byte) {
	p.smu.Lock()
	conns := make([]*ws.Conn, 0, len(p.streams))
	for _, c := range p.streams {
		conns = append(conns, c)
	}
	p.smu.Unlock()
	for _, c := range conns {
		if err := c.WriteText(body); err != nil {
			p.log.Debug("stream write failed; closing", logx.String("conn", c.ID()), logx.Err(err))
			p.untrack(c)
			c.Close(ws.CloseGoingAway, "write failed")
		}
	}
}

func (p *Protocol) track(c *ws.Conn) {
	p.smu.Lock()
	p.streams[c.ID()] = c
	p.smu.Unlock()
}

func (p *Protocol) untrack(c *ws.Conn) {
	p.smu.Lock()
	delete(p.streams, c.ID())
	p.smu.Unlock()
}

// Streams returns the number of connected forward and reverse sockets.
func (p *Protocol) Streams() int {
	p.smu.Lock()
	defer p.smu.Unlock()
	return len(p.streams)
}

func (p *Protocol) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(p.opts.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			bot, _ := p.handles()
			if bot == nil {
				continue
			}
			st, _ := bot.GetStatus(ctx)
			body, err := json.Marshal(p.d.heartbeatEvent(p, st))
			if err != nil {
				continue
			}
			p.broadcast(body)
			_ = p.postAll(ctx, event.NewMeta(p.key.Platform, p.key.AccountID, event.MetaHeartbeat), body)
		}
	}
}

// authorize checks the access token from the Authorization header or the
// access_token query parameter. It returns the HTTP status to fail with,
// or 0.
func (p *Protocol) authorize(r *http.Request) int {
	want := p.set.AccessToken
	if want == "" {
		return 0
	}
	got := r.URL.Query().Get("access_token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "Token") {
			got = strings.TrimSpace(tok)
		}
	}
	switch {
	case got == "":
		return http.StatusUnauthorized
	case !tokenEqual(got, want):
		return http.StatusForbidden
	default:
		return 0
	}
}
