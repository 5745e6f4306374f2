package onebot

import (
	"context"
	"errors"
	"strconv"
	"time"

	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
)

// v11 is OneBot 11: post_type events, int32 message ids, CQ codes.
type v11 struct{}

func (v11) version() string { return "v11" }

func (v11) retcode(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnsupported):
		return 1404
	case errors.Is(err, errs.ErrConfig), errors.Is(err, errs.ErrNotFound):
		return 1400
	case errors.Is(err, errs.ErrTimeout):
		return 1408
	default:
		return 1500
	}
}

func (v11) response(r *response) {
	if r.Status == "failed" {
		r.Wording = r.Message
	}
}

func (v11) connectEvent(p *Protocol) any {
	return map[string]any{
		"time":            time.Now().Unix(),
		"self_id":         numOrStr(p.key.AccountID),
		"post_type":       "meta_event",
		"meta_event_type": "lifecycle",
		"sub_type":        "connect",
	}
}

func (v11) heartbeatEvent(p *Protocol, st *core.Status) any {
	status := map[string]any{"online": false, "good": false}
	if st != nil {
		status = map[string]any{"online": st.Online, "good": st.Good}
	}
	return map[string]any{
		"time":            time.Now().Unix(),
		"self_id":         numOrStr(p.key.AccountID),
		"post_type":       "meta_event",
		"meta_event_type": "heartbeat",
		"status":          status,
		"interval":        p.opts.heartbeat.Milliseconds(),
	}
}

func (d v11) encodeEvent(ctx context.Context, p *Protocol, e event.Event) (any, bool, error) {
	out := map[string]any{
		"time":    e.Time.Unix(),
		"self_id": numOrStr(e.SelfID),
	}
	switch e.Type {
	case event.TypeMessage:
		if e.Message == nil {
			return nil, false, nil
		}
		return d.encodeMessage(ctx, p, e, out)
	case event.TypeNotice:
		if e.Notice == nil {
			return nil, false, nil
		}
		return d.encodeNotice(ctx, p, e, out)
	case event.TypeRequest:
		if e.Request == nil {
			return nil, false, nil
		}
		r := e.Request
		out["post_type"] = "request"
		out["request_type"] = e.DetailType
		out["user_id"] = numOrStr(r.UserID)
		out["comment"] = r.Comment
		out["flag"] = r.Flag
		if r.Target.GroupID != "" {
			out["group_id"] = numOrStr(r.Target.GroupID)
			out["sub_type"] = orDefault(e.SubType, "add")
		}
		return out, true, nil
	case event.TypeMeta:
		switch e.DetailType {
		case event.MetaConnect:
			return d.connectEvent(p), true, nil
		case event.MetaHeartbeat:
			bot, _ := p.handles()
			var st *core.Status
			if bot != nil {
				st, _ = bot.GetStatus(ctx)
			}
			return d.heartbeatEvent(p, st), true, nil
		}
	}
	return nil, false, nil
}

func (v11) encodeMessage(ctx context.Context, p *Protocol, e event.Event, out map[string]any) (any, bool, error) {
	m := e.Message
	id, err := p.ids.InternMessageID(ctx, p.scope(), m.MessageID)
	if err != nil {
		return nil, false, err
	}
	segs, err := p.v11Segments(ctx, m.Segments)
	if err != nil {
		return nil, false, err
	}
	raw := formatCQ(segs)

	out["post_type"] = "message"
	out["message_id"] = id
	out["user_id"] = numOrStr(m.Sender.UserID)
	out["raw_message"] = raw
	out["font"] = 0
	if p.opts.cqString {
		out["message"] = raw
	} else {
		out["message"] = segs
	}
	sender := map[string]any{
		"user_id":  numOrStr(m.Sender.UserID),
		"nickname": m.Sender.Nickname,
	}
	switch m.Target.Scene {
	case event.SceneGroup:
		out["message_type"] = "group"
		out["sub_type"] = orDefault(e.SubType, "normal")
		out["group_id"] = numOrStr(m.Target.GroupID)
		sender["card"] = m.Sender.Card
		sender["role"] = orDefault(m.Sender.Role, "member")
	case event.SceneChannel:
		out["message_type"] = "guild"
		out["sub_type"] = orDefault(e.SubType, "channel")
		out["guild_id"] = m.Target.GuildID
		out["channel_id"] = m.Target.ChannelID
	default:
		out["message_type"] = "private"
		out["sub_type"] = orDefault(e.SubType, "friend")
	}
	out["sender"] = sender
	return out, true, nil
}

func (v11) encodeNotice(ctx context.Context, p *Protocol, e event.Event, out map[string]any) (any, bool, error) {
	n := e.Notice
	out["post_type"] = "notice"
	out["user_id"] = numOrStr(n.UserID)
	if n.Target.GroupID != "" {
		out["group_id"] = numOrStr(n.Target.GroupID)
	}
	if n.OperatorID != "" {
		out["operator_id"] = numOrStr(n.OperatorID)
	}
	switch e.DetailType {
	case event.NoticeMemberIncrease:
		out["notice_type"] = "group_increase"
		out["sub_type"] = orDefault(e.SubType, "approve")
	case event.NoticeMemberDecrease:
		out["notice_type"] = "group_decrease"
		sub := "leave"
		if n.OperatorID != "" && n.OperatorID != n.UserID {
			sub = "kick"
		}
		out["sub_type"] = orDefault(e.SubType, sub)
	case event.NoticeMessageDelete:
		out["notice_type"] = "friend_recall"
		if n.Target.Scene == event.SceneGroup {
			out["notice_type"] = "group_recall"
		}
		id, err := p.ids.InternMessageID(ctx, p.scope(), n.MessageID)
		if err != nil {
			return nil, false, err
		}
		out["message_id"] = id
	case event.NoticeFriendAdd:
		out["notice_type"] = "friend_add"
	default:
		out["notice_type"] = e.DetailType
		if e.SubType != "" {
			out["sub_type"] = e.SubType
		}
		if n.MessageID != "" {
			id, err := p.ids.InternMessageID(ctx, p.scope(), n.MessageID)
			if err != nil {
				return nil, false, err
			}
			out["message_id"] = id
		}
	}
	return out, true, nil
}

// v11Segments converts to the v11 segment vocabulary; reply ids are
// interned.
func (p *Protocol) v11Segments(ctx context.Context, segs []event.Segment) ([]cqSegment, error) {
	out := make([]cqSegment, 0, len(segs))
	for _, s := range segs {
		switch s.Type {
		case event.SegText:
			out = append(out, cqSegment{Type: "text", Data: map[string]any{"text": s.Data.String("text")}})
		case event.SegMention:
			uid := s.Data.String("user_id")
			if uid == "" {
				uid = "all"
			}
			out = append(out, cqSegment{Type: "at", Data: map[string]any{"qq": uid}})
		case event.SegImage:
			url := s.Data.String("url")
			out = append(out, cqSegment{Type: "image", Data: map[string]any{"file": url, "url": url}})
		case event.SegReply:
			id, err := p.ids.InternMessageID(ctx, p.scope(), s.Data.String("message_id"))
			if err != nil {
				return nil, err
			}
			out = append(out, cqSegment{Type: "reply", Data: map[string]any{"id": strconv.Itoa(int(id))}})
		default:
			out = append(out, cqSegment{Type: s.Type, Data: map[string]any(s.Data)})
		}
	}
	return out, nil
}

// v11Decode reads an action's message parameter: a CQ string, one segment
// object or a segment array.
func (p *Protocol) v11Decode(ctx context.Context, raw any, autoEscape bool) ([]event.Segment, error) {
	var segs []cqSegment
	switch v := raw.(type) {
	case string:
		if autoEscape {
			segs = []cqSegment{{Type: "text", Data: map[string]any{"text": v}}}
		} else {
			segs = parseCQ(v)
		}
	case map[string]any, []any:
		list, ok := v.([]any)
		if !ok {
			list = []any{v}
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, badParam("message segment must be an object")
			}
			typ := params(m).str("type")
			data, _ := m["data"].(map[string]any)
			segs = append(segs, cqSegment{Type: typ, Data: data})
		}
	case nil:
		return nil, badParam("message is required")
	default:
		return nil, badParam("message has unsupported type %T", raw)
	}

	out := make([]event.Segment, 0, len(segs))
	for _, s := range segs {
		d := params(s.Data)
		switch s.Type {
		case "text":
			out = append(out, event.Text(d.str("text")))
		case "at":
			qq := d.str("qq")
			if qq == "all" {
				out = append(out, event.Segment{Type: event.SegMention, Data: event.Props{"user_id": ""}})
			} else {
				out = append(out, event.Mention(qq))
			}
		case "image":
			url := d.str("url")
			if url == "" {
				url = d.str("file")
			}
			if url == "" {
				return nil, badParam("image segment needs file or url")
			}
			out = append(out, event.Image(url))
		case "reply":
			pid, err := p.resolveV11(ctx, d.str("id"))
			if err != nil {
				return nil, err
			}
			out = append(out, event.Reply(pid))
		case "":
			return nil, badParam("segment type is required")
		default:
			out = append(out, event.Segment{Type: s.Type, Data: event.Props(s.Data)})
		}
	}
	return out, nil
}

func (p *Protocol) resolveV11(ctx context.Context, raw string) (string, error) {
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return "", badParam("message_id %q is not an int32", raw)
	}
	return p.ids.ResolveMessageID(ctx, p.scope(), int32(n))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (p *Protocol) mustBot() (core.Bot, error) {
	bot, _ := p.handles()
	if bot == nil {
		return nil, &errs.StateError{From: "unbound", To: "call"}
	}
	return bot, nil
}

func (v11) actions() map[string]action { return v11Actions }

var v11Actions map[string]action

func init() {
	v11Actions = map[string]action{
		"send_msg":               v11Send(""),
		"send_private_msg":       v11Send("private"),
		"send_group_msg":         v11Send("group"),
		"send_guild_channel_msg": v11Send("guild"),
		"delete_msg":             v11DeleteMsg,
		"get_msg":                v11GetMsg,
		"get_login_info":         v11LoginInfo,
		"get_stranger_info":      v11StrangerInfo,
		"get_friend_list":        v11FriendList,
		"get_group_info":         v11GroupInfo,
		"get_group_list":         v11GroupList,
		"get_group_member_info":  v11MemberInfo,
		"get_group_member_list":  v11MemberList,
		"set_group_kick":         v11Kick,
		"set_group_card":         v11Card,
		"get_version_info":       v11Version,
		"get_status":             v11Status,
		"can_send_image":         func(context.Context, *Protocol, params) (any, error) { return map[string]any{"yes": true}, nil },
		"can_send_record":        func(context.Context, *Protocol, params) (any, error) { return map[string]any{"yes": false}, nil },
	}
}

func v11Send(detail string) action {
	return func(ctx context.Context, p *Protocol, in params) (any, error) {
		bot, err := p.mustBot()
		if err != nil {
			return nil, err
		}
		d := detail
		if d == "" {
			d = in.str("message_type")
		}
		to, err := target(in, d)
		if err != nil {
			return nil, err
		}
		segs, err := p.v11Decode(ctx, in["message"], in.boolean("auto_escape"))
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, badParam("message is empty")
		}
		ref, err := bot.SendMessage(ctx, to, segs)
		if err != nil {
			return nil, err
		}
		id, err := p.ids.InternMessageID(ctx, p.scope(), ref.MessageID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message_id": id}, nil
	}
}

func v11DeleteMsg(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	raw, err := in.required("message_id")
	if err != nil {
		return nil, err
	}
	pid, err := p.resolveV11(ctx, raw)
	if err != nil {
		return nil, err
	}
	return nil, bot.DeleteMessage(ctx, pid)
}

func v11GetMsg(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	raw, err := in.required("message_id")
	if err != nil {
		return nil, err
	}
	pid, err := p.resolveV11(ctx, raw)
	if err != nil {
		return nil, err
	}
	m, err := bot.GetMessage(ctx, pid)
	if err != nil {
		return nil, err
	}
	segs, err := p.v11Segments(ctx, m.Segments)
	if err != nil {
		return nil, err
	}
	id, _ := strconv.Atoi(raw)
	msgType := "private"
	if m.Target.Scene == event.SceneGroup {
		msgType = "group"
	}
	return map[string]any{
		"time":         time.Now().Unix(),
		"message_type": msgType,
		"message_id":   id,
		"real_id":      id,
		"sender":       map[string]any{"user_id": numOrStr(m.Sender.UserID), "nickname": m.Sender.Nickname},
		"message":      segs,
	}, nil
}

func v11LoginInfo(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	u, err := bot.GetLoginInfo(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user_id": numOrStr(u.UserID), "nickname": u.Nickname}, nil
}

func v11User(u core.User) map[string]any {
	return map[string]any{
		"user_id":  numOrStr(u.UserID),
		"nickname": u.Nickname,
		"remark":   u.Remark,
		"sex":      "unknown",
		"age":      0,
	}
}

func v11StrangerInfo(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	uid, err := in.required("user_id")
	if err != nil {
		return nil, err
	}
	u, err := bot.GetUserInfo(ctx, uid)
	if err != nil {
		return nil, err
	}
	return v11User(*u), nil
}

func v11FriendList(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	users, err := bot.GetFriendList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, v11User(u))
	}
	return out, nil
}

func v11Group(g core.Group) map[string]any {
	return map[string]any{
		"group_id":         numOrStr(g.GroupID),
		"group_name":       g.GroupName,
		"member_count":     g.MemberCount,
		"max_member_count": g.MaxMembers,
	}
}

func v11GroupInfo(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	gid, err := in.required("group_id")
	if err != nil {
		return nil, err
	}
	g, err := bot.GetGroupInfo(ctx, gid)
	if err != nil {
		return nil, err
	}
	return v11Group(*g), nil
}

func v11GroupList(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	groups, err := bot.GetGroupList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		out = append(out, v11Group(g))
	}
	return out, nil
}

func v11Member(m core.Member) map[string]any {
	out := map[string]any{
		"group_id": numOrStr(m.GroupID),
		"user_id":  numOrStr(m.UserID),
		"nickname": m.Nickname,
		"card":     m.Card,
		"role":     orDefault(m.Role, "member"),
		"sex":      "unknown",
	}
	if !m.JoinedAt.IsZero() {
		out["join_time"] = m.JoinedAt.Unix()
	}
	return out
}

func v11MemberInfo(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	gid, err := in.required("group_id")
	if err != nil {
		return nil, err
	}
	uid, err := in.required("user_id")
	if err != nil {
		return nil, err
	}
	m, err := bot.GetGroupMemberInfo(ctx, gid, uid)
	if err != nil {
		return nil, err
	}
	return v11Member(*m), nil
}

func v11MemberList(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	gid, err := in.required("group_id")
	if err != nil {
		return nil, err
	}
	members, err := bot.GetGroupMemberList(ctx, gid)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, v11Member(m))
	}
	return out, nil
}

func v11Kick(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	gid, err := in.required("group_id")
	if err != nil {
		return nil, err
	}
	uid, err := in.required("user_id")
	if err != nil {
		return nil, err
	}
	return nil, bot.KickGroupMember(ctx, gid, uid, in.boolean("reject_add_request"))
}

func v11Card(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	gid, err := in.required("group_id")
	if err != nil {
		return nil, err
	}
	uid, err := in.required("user_id")
	if err != nil {
		return nil, err
	}
	return nil, bot.SetGroupCard(ctx, gid, uid, in.str("card"))
}

func v11Version(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	v, err := bot.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"app_name":         v.Impl,
		"app_version":      v.Version,
		"protocol_version": "v11",
		"platform":         v.Platform,
	}, nil
}

func v11Status(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	st, err := bot.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"online": st.Online, "good": st.Good, "state": st.State}, nil
}
