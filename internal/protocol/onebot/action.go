package onebot

import (
	"context"
	"crypto/subtle"
	stdjson "encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/pkg/logx"
)

// dialect is what differs between OneBot versions.
type dialect interface {
	version() string
	actions() map[string]action
	// encodeEvent returns the wire payload for e, or false to skip it.
	encodeEvent(ctx context.Context, p *Protocol, e event.Event) (any, bool, error)
	connectEvent(p *Protocol) any
	heartbeatEvent(p *Protocol, st *core.Status) any
	retcode(err error) int
	// response decorates a result for the wire.
	response(r *response)
}

type action func(ctx context.Context, p *Protocol, in params) (any, error)

type request struct {
	Action string `json:"action"`
	Params params `json:"params"`
	Echo   any    `json:"echo,omitempty"`
}

type response struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	Wording string `json:"wording,omitempty"`
	Echo    any    `json:"echo,omitempty"`
}

// call runs one action and always produces a well-formed response.
func (p *Protocol) call(ctx context.Context, req request) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("onebot action panicked", logx.String("action", req.Action), logx.Any("panic", r))
			resp = p.failure(fmt.Errorf("panic: %v", r), req.Echo)
		}
	}()
	fn, ok := p.d.actions()[req.Action]
	if !ok {
		return p.failure(&errs.UnsupportedCapabilityError{Platform: p.key.Platform, Capability: "action " + req.Action}, req.Echo)
	}
	if req.Params == nil {
		req.Params = params{}
	}
	data, err := fn(ctx, p, req.Params)
	if err != nil {
		p.log.Debug("onebot action failed", logx.String("action", req.Action), logx.Err(err))
		return p.failure(err, req.Echo)
	}
	r := response{Status: "ok", Data: data, Echo: req.Echo}
	p.d.response(&r)
	return r
}

func (p *Protocol) failure(err error, echo any) response {
	r := response{Status: "failed", Retcode: p.d.retcode(err), Message: err.Error(), Echo: echo}
	p.d.response(&r)
	return r
}

// supportedActions lists the action names of d, sorted.
func supportedActions(d dialect) []string {
	out := make([]string, 0, len(d.actions()))
	for name := range d.actions() {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// params are action parameters. Numbers stay json.Number so large ids
// survive.
type params map[string]any

func (in params) has(key string) bool {
	v, ok := in[key]
	return ok && v != nil
}

// str reads key as a string, accepting numbers and booleans.
func (in params) str(key string) string {
	switch v := in[key].(type) {
	case string:
		return v
	case stdjson.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (in params) required(key string) (string, error) {
	s := strings.TrimSpace(in.str(key))
	if s == "" {
		return "", badParam("%s is required", key)
	}
	return s, nil
}

func (in params) boolean(key string) bool {
	switch v := in[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case stdjson.Number:
		return v.String() != "0"
	default:
		return false
	}
}

func badParam(format string, args ...any) error {
	return errs.Config("params", format, args...)
}

// numOrStr renders a platform id as a JSON number when it is one, so v11
// clients that expect integer ids work with numeric platforms. Other ids
// are passed through as strings.
func numOrStr(id string) any {
	if id == "" {
		return nil
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// target reads a conversation from the common parameter names.
func target(in params, detail string) (event.Target, error) {
	t := event.Target{
		UserID:    in.str("user_id"),
		GroupID:   in.str("group_id"),
		GuildID:   in.str("guild_id"),
		ChannelID: in.str("channel_id"),
	}
	switch detail {
	case "private":
		t.Scene = event.ScenePrivate
	case "group":
		t.Scene = event.SceneGroup
	case "channel", "guild":
		t.Scene = event.SceneChannel
	case "":
		switch {
		case t.ChannelID != "":
			t.Scene = event.SceneChannel
		case t.GroupID != "":
			t.Scene = event.SceneGroup
		default:
			t.Scene = event.ScenePrivate
		}
	default:
		return t, badParam("unknown message type %q", detail)
	}
	if t.ID() == "" {
		return t, badParam("missing target id for %s message", t.Scene)
	}
	return t, nil
}

func requireGuild(p *Protocol) (core.GuildBot, error) {
	_, g := p.handles()
	if g == nil {
		return nil, errs.Unsupported(p.key.Platform, "guilds")
	}
	return g, nil
}
