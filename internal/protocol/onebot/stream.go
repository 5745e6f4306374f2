package onebot

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"botgate/internal/runtime/supervisor"
	"botgate/internal/transport/ws"
	"botgate/pkg/logx"
)

// maxInflight bounds concurrent actions per stream.
const maxInflight = 16

// ServeStream serves a forward WebSocket client: events are pushed to it
// and it may send action requests carrying an echo.
func (p *Protocol) ServeStream(ctx context.Context, conn *ws.Conn) {
	if req := conn.Request(); req != nil && p.authorize(req) != 0 {
		conn.Close(ws.ClosePolicyViolation, "invalid access token")
		return
	}
	p.serveConn(ctx, conn, "forward")
}

// serveConn runs one connected stream until it closes or ctx ends.
func (p *Protocol) serveConn(ctx context.Context, conn *ws.Conn, role string) {
	log := p.log.With(logx.String("conn", conn.ID()), logx.String("role", role))
	p.track(conn)
	defer p.untrack(conn)
	log.Info("onebot stream connected")
	defer log.Info("onebot stream closed")

	if body, err := json.Marshal(p.d.connectEvent(p)); err == nil {
		_ = conn.WriteText(body)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close(ws.CloseGoingAway, "")
		case <-conn.Done():
		}
	}()

	sem := make(chan struct{}, maxInflight)
	for {
		msg, err := conn.Read()
		if err != nil {
			if !ws.IsNormalClose(err) && ctx.Err() == nil {
				log.Debug("onebot stream read failed", logx.Err(err))
			}
			return
		}
		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			p.writeConn(conn, p.failure(badParam("invalid action frame: %v", err), nil))
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-sem }()
			p.writeConn(conn, p.call(ctx, req))
		}()
	}
}

func (p *Protocol) writeConn(conn *ws.Conn, resp response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = conn.WriteText(body)
}

// startReverse keeps one reverse WebSocket connected to url.
func (p *Protocol) startReverse(sup *supervisor.Supervisor, url string) {
	sup.GoRestart("onebot.reverse", func(ctx context.Context) error {
		conn, err := ws.Dial(ctx, url, p.reverseHeader())
		if err != nil {
			return err
		}
		go conn.KeepAlive()
		p.serveConn(ctx, conn, "reverse")
		conn.Close(ws.CloseGoingAway, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errDisconnected
	}, supervisor.WithRestartBackoff(p.opts.reconnect, time.Minute))
}

var errDisconnected = errors.New("reverse websocket disconnected")

func (p *Protocol) reverseHeader() http.Header {
	h := http.Header{}
	h.Set("X-Self-ID", p.key.AccountID)
	h.Set("User-Agent", "botgate/onebot-"+p.d.version())
	if p.d.version() == "v11" {
		h.Set("X-Client-Role", "Universal")
	} else {
		h.Set("Sec-WebSocket-Protocol", strings.TrimPrefix(p.d.version(), "v")+".botgate")
		h.Set("X-Impl", "botgate")
		h.Set("X-Platform", p.key.Platform)
	}
	if p.set.AccessToken != "" {
		h.Set("Authorization", "Bearer "+p.set.AccessToken)
	}
	return h
}
