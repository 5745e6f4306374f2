// Package loopback is an in-memory platform. Sent messages are recorded
// and, with echo enabled, come back as inbound message events. Inject
// delivers arbitrary events as if the platform had produced them.
package loopback

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/pkg/logx"
)

const Name = "loopback"

// Register adds the loopback platform to reg.
func Register(reg *core.AdapterRegistry) error {
	return reg.Register(core.PlatformMeta{
		Name:        Name,
		DisplayName: "Loopback",
		Description: "In-memory platform for tests and demos",
	}, New)
}

// Settings are the account settings understood by the loopback client.
type Settings struct {
	Nickname    string `json:"nickname"`
	Echo        bool   `json:"echo"`
	FailConnect bool   `json:"fail_connect"`
	// Groups seeds group ids for the group capabilities.
	Groups []string `json:"groups"`
}

var (
	clientsMu sync.Mutex
	clients   = map[string]*Client{}
)

// Lookup returns the most recently created client for accountID.
func Lookup(accountID string) (*Client, bool) {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	c, ok := clients[accountID]
	return c, ok
}

// New is the platform factory.
func New(cfg config.AccountConfig, deps core.PlatformDeps) (core.Client, error) {
	var s Settings
	if err := cfg.Settings.Decode(&s); err != nil {
		return nil, err
	}
	if s.Nickname == "" {
		s.Nickname = "loopback-" + cfg.AccountID
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		UnimplementedBot: core.UnimplementedBot{Platform: Name},
		id:               cfg.AccountID,
		set:              s,
		log:              log,
		messages:         map[string]event.Message{},
	}
	clientsMu.Lock()
	clients[cfg.AccountID] = c
	clientsMu.Unlock()
	return c, nil
}

// Client is one loopback connection.
type Client struct {
	core.UnimplementedBot

	id  string
	set Settings
	log logx.Logger
	seq atomic.Int64

	mu        sync.Mutex
	sink      core.Sink
	connected bool
	messages  map[string]event.Message
	sent      []event.Message
}

func (c *Client) Connect(_ context.Context, sink core.Sink) error {
	if c.set.FailConnect {
		return errors.New("loopback: connect refused (fail_connect)")
	}
	c.mu.Lock()
	c.sink, c.connected = sink, true
	c.mu.Unlock()
	c.log.Debug("loopback connected", logx.String("account_id", c.id))
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	c.sink, c.connected = nil, false
	c.mu.Unlock()
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not run.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Inject delivers e as an inbound platform event. It reports false when
// the client is not connected.
func (c *Client) Inject(e event.Event) bool {
	c.mu.Lock()
	sink := c.sink
	if e.Message != nil {
		c.messages[e.Message.MessageID] = *e.Message
	}
	c.mu.Unlock()
	if sink == nil {
		return false
	}
	sink.Dispatch(e)
	return true
}

// Drop simulates the platform connection going away.
func (c *Client) Drop(cause error) {
	c.mu.Lock()
	sink := c.sink
	c.sink, c.connected = nil, false
	c.mu.Unlock()
	if sink != nil {
		sink.ConnectionLost(cause)
	}
}

// Sent returns the messages sent through this client, oldest first.
func (c *Client) Sent() []event.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Message(nil), c.sent...)
}

func (c *Client) nextID() string { return c.id + "-" + strconv.FormatInt(c.seq.Add(1), 10) }

func (c *Client) self() event.Sender {
	return event.Sender{UserID: c.id, Nickname: c.set.Nickname}
}

func (c *Client) SendMessage(_ context.Context, to event.Target, segs []event.Segment) (core.MessageRef, error) {
	if to.ID() == "" {
		return core.MessageRef{}, errs.Config("target", "empty %s target", to.Scene)
	}
	now := time.Now()
	m := event.Message{
		MessageID: c.nextID(),
		Target:    to,
		Sender:    c.self(),
		Segments:  append([]event.Segment(nil), segs...),
		Raw:       event.PlainText(segs),
	}
	c.mu.Lock()
	c.messages[m.MessageID] = m
	c.sent = append(c.sent, m)
	sink := c.sink
	c.mu.Unlock()

	if c.set.Echo && sink != nil {
		sink.Dispatch(event.NewMessage(Name, c.id, now, m))
	}
	return core.MessageRef{MessageID: m.MessageID, Time: now}, nil
}

func (c *Client) DeleteMessage(_ context.Context, id string) error {
	c.mu.Lock()
	m, ok := c.messages[id]
	delete(c.messages, id)
	sink := c.sink
	c.mu.Unlock()
	if !ok {
		return errs.NotFound("message %s", id)
	}
	if sink != nil {
		sink.Dispatch(event.NewNotice(Name, c.id, time.Time{}, event.NoticeMessageDelete, event.Notice{
			Target:     m.Target,
			UserID:     m.Sender.UserID,
			OperatorID: c.id,
			MessageID:  id,
		}))
	}
	return nil
}

func (c *Client) GetMessage(_ context.Context, id string) (*event.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	if !ok {
		return nil, errs.NotFound("message %s", id)
	}
	return &m, nil
}

func (c *Client) UpdateMessage(_ context.Context, id string, segs []event.Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	if !ok {
		return errs.NotFound("message %s", id)
	}
	m.Segments = append([]event.Segment(nil), segs...)
	m.Raw = event.PlainText(segs)
	c.messages[id] = m
	return nil
}

func (c *Client) GetLoginInfo(context.Context) (*core.User, error) {
	return &core.User{UserID: c.id, Nickname: c.set.Nickname}, nil
}

func (c *Client) GetUserInfo(_ context.Context, userID string) (*core.User, error) {
	if userID == c.id {
		return &core.User{UserID: c.id, Nickname: c.set.Nickname}, nil
	}
	return &core.User{UserID: userID, Nickname: "user-" + userID}, nil
}

func (c *Client) GetGroupList(context.Context) ([]core.Group, error) {
	out := make([]core.Group, 0, len(c.set.Groups))
	for _, g := range c.set.Groups {
		out = append(out, core.Group{GroupID: g, GroupName: "group-" + g, MemberCount: 1})
	}
	return out, nil
}

func (c *Client) GetGroupInfo(_ context.Context, groupID string) (*core.Group, error) {
	for _, g := range c.set.Groups {
		if g == groupID {
			return &core.Group{GroupID: g, GroupName: "group-" + g, MemberCount: 1}, nil
		}
	}
	return nil, errs.NotFound("group %s", groupID)
}

func (c *Client) GetVersion(context.Context) (*core.Version, error) {
	return &core.Version{Impl: "botgate", Version: core.BuildVersion, Platform: Name, PlatformVersion: "1"}, nil
}
