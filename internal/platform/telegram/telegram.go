// Package telegram is the Telegram platform, one telebot long poller per
// account.
//
// Message ids are "<chat_id>:<message_id>" so they address a message on
// their own. Private chats map to the private scene, groups to the group
// scene and forum topics to the channel scene (guild = chat, channel =
// thread).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
	"botgate/internal/runtime/supervisor"
	"botgate/pkg/logx"
)

const Name = "telegram"

func Register(reg *core.AdapterRegistry) error {
	return reg.Register(core.PlatformMeta{Name: Name, DisplayName: "Telegram", Description: "Telegram Bot API (long polling)"}, New)
}

type Settings struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// APIURL points at a self-hosted Bot API server.
	APIURL string `json:"api_url"`
}

func New(cfg config.AccountConfig, deps core.PlatformDeps) (core.Client, error) {
	var s Settings
	if err := cfg.Settings.Decode(&s); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errs.Config("settings.token", "telegram token is empty")
	}
	poll, err := config.ParseDuration("settings.poll_timeout", s.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		UnimplementedBot: core.UnimplementedBot{Platform: Name},
		id:               cfg.AccountID,
		set:              s,
		poll:             poll,
		log:              log.With(logx.String("client", "telegram")),
	}, nil
}

type Client struct {
	core.UnimplementedBot

	id   string
	set  Settings
	poll time.Duration
	log  logx.Logger

	mu   sync.Mutex
	bot  *tele.Bot
	sink core.Sink
	sup  *supervisor.Supervisor
}

// Connect verifies the token (getMe) and starts the poll loop.
func (c *Client) Connect(ctx context.Context, sink core.Sink) error {
	st := tele.Settings{
		Token:       c.set.Token,
		URL:         c.set.APIURL,
		Poller:      &tele.LongPoller{Timeout: c.poll},
		Synchronous: true,
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram handler error", logx.Err(err))
		},
	}
	type result struct {
		b   *tele.Bot
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(st)
		ch <- result{b, err}
	}()
	var b *tele.Bot
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("telegram: %w", r.err)
		}
		b = r.b
	case <-ctx.Done():
		return ctx.Err()
	}
	if id := strconv.FormatInt(b.Me.ID, 10); c.id != id && c.id != b.Me.Username {
		c.log.Warn("account id does not match the bot identity", logx.String("account_id", c.id), logx.String("bot_id", id))
	}

	sup := supervisor.New(context.Background(), supervisor.WithLogger(c.log))
	c.mu.Lock()
	c.bot, c.sink, c.sup = b, sink, sup
	c.mu.Unlock()
	c.registerHandlers(b)

	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			b.Start()
		}()
		select {
		case <-done:
			return errors.New("poller exited")
		case <-ctx.Done():
			go b.Stop()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return ctx.Err()
		}
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Disconnect stops polling. Long polls are abandoned after a short grace.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup, c.sink = nil, nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (c *Client) client() (*tele.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil {
		return nil, &errs.StateError{From: "disconnected", To: "call"}
	}
	return c.bot, nil
}

func (c *Client) dispatch(e event.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.Dispatch(e)
	}
}

func (c *Client) registerHandlers(b *tele.Bot) {
	onMessage := func(tc tele.Context) error {
		if m := tc.Message(); m != nil && m.Chat != nil {
			c.dispatch(event.NewMessage(Name, c.id, m.Time(), c.toMessage(m)))
		}
		return nil
	}
	b.Handle(tele.OnText, onMessage)
	b.Handle(tele.OnPhoto, onMessage)

	b.Handle(tele.OnEdited, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := c.toMessage(m)
		c.dispatch(event.NewNotice(Name, c.id, time.Time{}, event.NoticeMessageEdit, event.Notice{
			Target:    msg.Target,
			UserID:    msg.Sender.UserID,
			MessageID: msg.MessageID,
		}))
		return nil
	})

	b.Handle(tele.OnUserJoined, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		joined := m.UsersJoined
		if len(joined) == 0 && m.UserJoined != nil {
			joined = []tele.User{*m.UserJoined}
		}
		for _, u := range joined {
			c.dispatch(event.NewNotice(Name, c.id, m.Time(), event.NoticeMemberIncrease, event.Notice{
				Target:     chatTarget(m),
				UserID:     userID(&u),
				OperatorID: userID(m.Sender),
			}))
		}
		return nil
	})

	b.Handle(tele.OnUserLeft, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil || m.UserLeft == nil {
			return nil
		}
		c.dispatch(event.NewNotice(Name, c.id, m.Time(), event.NoticeMemberDecrease, event.Notice{
			Target:     chatTarget(m),
			UserID:     userID(m.UserLeft),
			OperatorID: userID(m.Sender),
		}))
		return nil
	})
}

func userID(u *tele.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

func messageID(chatID int64, id int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(id)
}

func parseMessageID(s string) (tele.StoredMessage, error) {
	chat, msg, ok := strings.Cut(s, ":")
	if !ok {
		return tele.StoredMessage{}, errs.Config("message_id", "malformed telegram message id %q", s)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return tele.StoredMessage{}, errs.Config("message_id", "malformed telegram message id %q", s)
	}
	if _, err := strconv.Atoi(msg); err != nil {
		return tele.StoredMessage{}, errs.Config("message_id", "malformed telegram message id %q", s)
	}
	return tele.StoredMessage{ChatID: chatID, MessageID: msg}, nil
}

func chatTarget(m *tele.Message) event.Target {
	id := strconv.FormatInt(m.Chat.ID, 10)
	switch {
	case m.Chat.Type == tele.ChatPrivate:
		return event.Target{Scene: event.ScenePrivate, UserID: id}
	case m.ThreadID != 0:
		return event.Target{Scene: event.SceneChannel, GuildID: id, ChannelID: strconv.Itoa(m.ThreadID)}
	default:
		return event.Target{Scene: event.SceneGroup, GroupID: id}
	}
}

func (c *Client) toMessage(m *tele.Message) event.Message {
	var segs []event.Segment
	if m.ReplyTo != nil {
		segs = append(segs, event.Reply(messageID(m.Chat.ID, m.ReplyTo.ID)))
	}
	if m.Photo != nil {
		segs = append(segs, event.Segment{Type: event.SegImage, Data: event.Props{"url": m.Photo.FileURL, "file_id": m.Photo.FileID}})
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text != "" {
		segs = append(segs, event.Text(text))
	}
	out := event.Message{
		MessageID: messageID(m.Chat.ID, m.ID),
		Target:    chatTarget(m),
		Segments:  segs,
		Raw:       text,
	}
	if m.Sender != nil {
		out.Sender = event.Sender{UserID: userID(m.Sender), Nickname: strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)}
	}
	return out
}

// recipient resolves a target to a chat and an optional forum thread.
func recipient(to event.Target) (*tele.Chat, int, error) {
	var raw string
	thread := 0
	switch to.Scene {
	case event.ScenePrivate:
		raw = to.UserID
	case event.SceneGroup:
		raw = to.GroupID
	case event.SceneChannel:
		raw = to.GuildID
		if to.ChannelID != "" {
			n, err := strconv.Atoi(to.ChannelID)
			if err != nil {
				return nil, 0, errs.Config("channel_id", "telegram thread id must be numeric, got %q", to.ChannelID)
			}
			thread = n
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, 0, errs.Config("target", "telegram chat id must be numeric, got %q", raw)
	}
	return &tele.Chat{ID: id}, thread, nil
}

// render turns segments into HTML text plus an optional photo and reply.
func render(segs []event.Segment) (text string, photo *tele.Photo, replyTo *tele.Message, err error) {
	var b strings.Builder
	for _, s := range segs {
		switch s.Type {
		case event.SegText:
			b.WriteString(html.EscapeString(s.Data.String("text")))
		case event.SegMention:
			uid := s.Data.String("user_id")
			if uid == "" {
				continue
			}
			fmt.Fprintf(&b, `<a href="tg://user?id=%s">@%s</a>`, html.EscapeString(uid), html.EscapeString(uid))
		case event.SegImage:
			if photo != nil {
				return "", nil, nil, errs.Unsupported(Name, "multiple images per message")
			}
			if fid := s.Data.String("file_id"); fid != "" {
				photo = &tele.Photo{File: tele.File{FileID: fid}}
			} else {
				photo = &tele.Photo{File: tele.FromURL(s.Data.String("url"))}
			}
		case event.SegReply:
			ref, perr := parseMessageID(s.Data.String("message_id"))
			if perr != nil {
				return "", nil, nil, perr
			}
			id, _ := strconv.Atoi(ref.MessageID)
			replyTo = &tele.Message{ID: id, Chat: &tele.Chat{ID: ref.ChatID}}
		default:
			return "", nil, nil, errs.Unsupported(Name, "segment "+s.Type)
		}
	}
	return b.String(), photo, replyTo, nil
}

func (c *Client) SendMessage(_ context.Context, to event.Target, segs []event.Segment) (core.MessageRef, error) {
	b, err := c.client()
	if err != nil {
		return core.MessageRef{}, err
	}
	chat, thread, err := recipient(to)
	if err != nil {
		return core.MessageRef{}, err
	}
	text, photo, replyTo, err := render(segs)
	if err != nil {
		return core.MessageRef{}, err
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: thread, ReplyTo: replyTo}

	var first *tele.Message
	if photo != nil {
		photo.Caption = text
		first, err = b.Send(chat, photo, opts)
		if err != nil {
			return core.MessageRef{}, err
		}
	} else {
		for i, chunk := range splitText(text, textLimit) {
			if i > 0 {
				opts.ReplyTo = nil
			}
			m, err := b.Send(chat, chunk, opts)
			if err != nil {
				if first != nil {
					break
				}
				return core.MessageRef{}, err
			}
			if first == nil {
				first = m
			}
		}
	}
	if first == nil {
		return core.MessageRef{}, errors.New("telegram: empty message")
	}
	return core.MessageRef{MessageID: messageID(chat.ID, first.ID), Time: first.Time()}, nil
}

func (c *Client) DeleteMessage(_ context.Context, id string) error {
	b, err := c.client()
	if err != nil {
		return err
	}
	ref, err := parseMessageID(id)
	if err != nil {
		return err
	}
	return b.Delete(ref)
}

func (c *Client) UpdateMessage(_ context.Context, id string, segs []event.Segment) error {
	b, err := c.client()
	if err != nil {
		return err
	}
	ref, err := parseMessageID(id)
	if err != nil {
		return err
	}
	text, photo, _, err := render(segs)
	if err != nil {
		return err
	}
	if photo != nil {
		return errs.Unsupported(Name, "editing images")
	}
	_, err = b.Edit(ref, text, &tele.SendOptions{ParseMode: tele.ModeHTML})
	return err
}

func (c *Client) GetLoginInfo(context.Context) (*core.User, error) {
	b, err := c.client()
	if err != nil {
		return nil, err
	}
	return &core.User{UserID: userID(b.Me), Nickname: b.Me.FirstName}, nil
}

func (c *Client) GetUserInfo(_ context.Context, id string) (*core.User, error) {
	b, err := c.client()
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, errs.Config("user_id", "telegram user id must be numeric, got %q", id)
	}
	chat, err := b.ChatByID(n)
	if err != nil {
		return nil, err
	}
	return &core.User{UserID: id, Nickname: strings.TrimSpace(chat.FirstName + " " + chat.LastName)}, nil
}

func (c *Client) GetGroupInfo(_ context.Context, id string) (*core.Group, error) {
	b, err := c.client()
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, errs.Config("group_id", "telegram chat id must be numeric, got %q", id)
	}
	chat, err := b.ChatByID(n)
	if err != nil {
		return nil, err
	}
	g := &core.Group{GroupID: id, GroupName: chat.Title}
	if count, err := b.Len(chat); err == nil {
		g.MemberCount = count
	}
	return g, nil
}

func (c *Client) GetGroupMemberInfo(_ context.Context, groupID, uid string) (*core.Member, error) {
	b, err := c.client()
	if err != nil {
		return nil, err
	}
	chat, _, err := recipient(event.Target{Scene: event.SceneGroup, GroupID: groupID})
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return nil, errs.Config("user_id", "telegram user id must be numeric, got %q", uid)
	}
	m, err := b.ChatMemberOf(chat, &tele.User{ID: n})
	if err != nil {
		return nil, err
	}
	out := &core.Member{GroupID: groupID, UserID: uid, Card: m.Title, Role: role(m.Role)}
	if m.User != nil {
		out.Nickname = strings.TrimSpace(m.User.FirstName + " " + m.User.LastName)
	}
	return out, nil
}

func role(s tele.MemberStatus) string {
	switch s {
	case tele.Creator:
		return "owner"
	case tele.Administrator:
		return "admin"
	default:
		return "member"
	}
}

// KickGroupMember bans the user; without rejectRejoin the ban is lifted
// right away so they may join again.
func (c *Client) KickGroupMember(_ context.Context, groupID, uid string, rejectRejoin bool) error {
	b, err := c.client()
	if err != nil {
		return err
	}
	chat, _, err := recipient(event.Target{Scene: event.SceneGroup, GroupID: groupID})
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return errs.Config("user_id", "telegram user id must be numeric, got %q", uid)
	}
	user := &tele.User{ID: n}
	if err := b.Ban(chat, &tele.ChatMember{User: user}); err != nil {
		return err
	}
	if !rejectRejoin {
		return b.Unban(chat, user, true)
	}
	return nil
}
