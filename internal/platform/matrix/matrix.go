// Package matrix is the Matrix platform: one mautrix client and sync loop
// per account. Every joined room is a group; message ids are
// "<room_id>|<event_id>".
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	mevent "maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/internal/runtime/supervisor"
	"botgate/pkg/logx"
)

const Name = "matrix"

func Register(reg *core.AdapterRegistry) error {
	return reg.Register(core.PlatformMeta{Name: Name, DisplayName: "Matrix", Description: "Matrix client-server API"}, New)
}

type Settings struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

func New(cfg config.AccountConfig, deps core.PlatformDeps) (core.Client, error) {
	var s Settings
	if err := cfg.Settings.Decode(&s); err != nil {
		return nil, err
	}
	switch {
	case s.Homeserver == "":
		return nil, errs.Config("settings.homeserver", "matrix homeserver is required")
	case s.AccessToken == "":
		return nil, errs.Config("settings.access_token", "matrix access token is required")
	}
	if s.UserID == "" {
		s.UserID = cfg.AccountID
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		UnimplementedBot: core.UnimplementedBot{Platform: Name},
		id:               cfg.AccountID,
		set:              s,
		log:              log.With(logx.String("client", "matrix")),
	}, nil
}

type Client struct {
	core.UnimplementedBot

	id  string
	set Settings
	log logx.Logger

	mu   sync.Mutex
	cli  *mautrix.Client
	sink core.Sink
	sup  *supervisor.Supervisor
}

// Connect checks the token with whoami and starts syncing.
func (c *Client) Connect(ctx context.Context, sink core.Sink) error {
	cli, err := mautrix.NewClient(c.set.Homeserver, id.UserID(c.set.UserID), c.set.AccessToken)
	if err != nil {
		return fmt.Errorf("matrix: creating client: %w", err)
	}
	cli.Log = zerolog.Nop()

	who, err := cli.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix: whoami: %w", err)
	}
	cli.UserID = who.UserID

	syncer, ok := cli.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", cli.Syncer)
	}
	syncer.OnEventType(mevent.EventMessage, c.onMessage)
	syncer.OnEventType(mevent.StateMember, c.onMember)
	syncer.OnEventType(mevent.EventRedaction, c.onRedaction)

	sup := supervisor.New(context.Background(), supervisor.WithLogger(c.log))
	c.mu.Lock()
	c.cli, c.sink, c.sup = cli, sink, sup
	c.mu.Unlock()

	sup.GoRestart("matrix.sync", func(ctx context.Context) error {
		err := cli.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("sync stopped")
		}
		return err
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cli, sup := c.cli, c.sup
	c.cli, c.sink, c.sup = nil, nil, nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	cli.StopSync()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Client) client() (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil, &errs.StateError{From: "disconnected", To: "call"}
	}
	return c.cli, nil
}

func (c *Client) dispatch(e event.Event) {
	c.mu.Lock()
	sink, self := c.sink, id.UserID("")
	if c.cli != nil {
		self = c.cli.UserID
	}
	c.mu.Unlock()
	if sink == nil {
		return
	}
	if e.Message != nil && id.UserID(e.Message.Sender.UserID) == self {
		return
	}
	sink.Dispatch(e)
}

func messageID(room id.RoomID, ev id.EventID) string { return string(room) + "|" + string(ev) }

func parseMessageID(s string) (id.RoomID, id.EventID, error) {
	room, ev, ok := strings.Cut(s, "|")
	if !ok || !strings.HasPrefix(room, "!") || ev == "" {
		return "", "", errs.Config("message_id", "malformed matrix message id %q", s)
	}
	return id.RoomID(room), id.EventID(ev), nil
}

func (c *Client) onMessage(_ context.Context, evt *mevent.Event) {
	content, ok := evt.Content.Parsed.(*mevent.MessageEventContent)
	if !ok {
		return
	}
	var segs []event.Segment
	if reply := content.RelatesTo.GetReplyTo(); reply != "" {
		segs = append(segs, event.Reply(messageID(evt.RoomID, reply)))
	}
	switch content.MsgType {
	case mevent.MsgImage:
		segs = append(segs, event.Image(string(content.URL)))
	default:
		segs = append(segs, event.Text(content.Body))
	}
	at := time.UnixMilli(evt.Timestamp)
	c.dispatch(event.NewMessage(Name, c.id, at, event.Message{
		MessageID: messageID(evt.RoomID, evt.ID),
		Target:    event.Target{Scene: event.SceneGroup, GroupID: string(evt.RoomID)},
		Sender:    event.Sender{UserID: string(evt.Sender)},
		Segments:  segs,
		Raw:       content.Body,
	}))
}

func (c *Client) onMember(_ context.Context, evt *mevent.Event) {
	m := evt.Content.AsMember()
	target := event.Target{Scene: event.SceneGroup, GroupID: string(evt.RoomID)}
	n := event.Notice{Target: target, UserID: evt.GetStateKey(), OperatorID: string(evt.Sender)}
	at := time.UnixMilli(evt.Timestamp)
	switch m.Membership {
	case mevent.MembershipJoin:
		c.dispatch(event.NewNotice(Name, c.id, at, event.NoticeMemberIncrease, n))
	case mevent.MembershipLeave, mevent.MembershipBan:
		c.dispatch(event.NewNotice(Name, c.id, at, event.NoticeMemberDecrease, n))
	}
}

func (c *Client) onRedaction(_ context.Context, evt *mevent.Event) {
	redacts := evt.Redacts
	if redacts == "" {
		redacts = evt.Content.AsRedaction().Redacts
	}
	if redacts == "" {
		return
	}
	c.dispatch(event.NewNotice(Name, c.id, time.UnixMilli(evt.Timestamp), event.NoticeMessageDelete, event.Notice{
		Target:     event.Target{Scene: event.SceneGroup, GroupID: string(evt.RoomID)},
		OperatorID: string(evt.Sender),
		MessageID:  messageID(evt.RoomID, redacts),
	}))
}

func (c *Client) SendMessage(ctx context.Context, to event.Target, segs []event.Segment) (core.MessageRef, error) {
	cli, err := c.client()
	if err != nil {
		return core.MessageRef{}, err
	}
	if to.Scene != event.SceneGroup {
		return core.MessageRef{}, errs.Unsupported(Name, string(to.Scene)+" messages")
	}
	room := id.RoomID(to.GroupID)

	content := &mevent.MessageEventContent{MsgType: mevent.MsgText}
	var body strings.Builder
	for _, s := range segs {
		switch s.Type {
		case event.SegText:
			body.WriteString(s.Data.String("text"))
		case event.SegMention:
			if uid := s.Data.String("user_id"); uid != "" {
				body.WriteString(uid)
			} else {
				body.WriteString("@room")
			}
		case event.SegReply:
			r, ev, err := parseMessageID(s.Data.String("message_id"))
			if err != nil {
				return core.MessageRef{}, err
			}
			if r != room {
				return core.MessageRef{}, errs.Config("reply", "reply target is in another room")
			}
			content.RelatesTo = &mevent.RelatesTo{InReplyTo: &mevent.InReplyTo{EventID: ev}}
		case event.SegImage:
			u := s.Data.String("url")
			if !strings.HasPrefix(u, "mxc://") {
				return core.MessageRef{}, errs.Unsupported(Name, "images outside the media repository")
			}
			content.MsgType = mevent.MsgImage
			content.URL = id.ContentURIString(u)
		default:
			return core.MessageRef{}, errs.Unsupported(Name, "segment "+s.Type)
		}
	}
	content.Body = body.String()
	if content.MsgType == mevent.MsgImage && content.Body == "" {
		content.Body = "image"
	}

	resp, err := cli.SendMessageEvent(ctx, room, mevent.EventMessage, content)
	if err != nil {
		return core.MessageRef{}, err
	}
	return core.MessageRef{MessageID: messageID(room, resp.EventID), Time: time.Now()}, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	room, ev, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	_, err = cli.RedactEvent(ctx, room, ev)
	return err
}

func (c *Client) GetLoginInfo(ctx context.Context) (*core.User, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	who, err := cli.Whoami(ctx)
	if err != nil {
		return nil, err
	}
	u := &core.User{UserID: string(who.UserID)}
	if dn, err := cli.GetDisplayName(ctx, who.UserID); err == nil {
		u.Nickname = dn.DisplayName
	}
	return u, nil
}

func (c *Client) GetUserInfo(ctx context.Context, userID string) (*core.User, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	dn, err := cli.GetDisplayName(ctx, id.UserID(userID))
	if err != nil {
		return nil, err
	}
	return &core.User{UserID: userID, Nickname: dn.DisplayName}, nil
}

func (c *Client) GetGroupList(ctx context.Context) ([]core.Group, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	rooms, err := cli.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Group, 0, len(rooms.JoinedRooms))
	for _, r := range rooms.JoinedRooms {
		out = append(out, core.Group{GroupID: string(r)})
	}
	return out, nil
}

func (c *Client) GetGroupMemberList(ctx context.Context, groupID string) ([]core.Member, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	resp, err := cli.JoinedMembers(ctx, id.RoomID(groupID))
	if err != nil {
		return nil, err
	}
	out := make([]core.Member, 0, len(resp.Joined))
	for uid, m := range resp.Joined {
		out = append(out, core.Member{GroupID: groupID, UserID: string(uid), Nickname: m.DisplayName})
	}
	return out, nil
}

// KickGroupMember bans instead of kicking when rejectRejoin is set.
func (c *Client) KickGroupMember(ctx context.Context, groupID, userID string, rejectRejoin bool) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	if rejectRejoin {
		_, err = cli.BanUser(ctx, id.RoomID(groupID), &mautrix.ReqBanUser{UserID: id.UserID(userID)})
		return err
	}
	_, err = cli.KickUser(ctx, id.RoomID(groupID), &mautrix.ReqKickUser{UserID: id.UserID(userID)})
	return err
}
