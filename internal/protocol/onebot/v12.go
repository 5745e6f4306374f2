package onebot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
)

// v12 is OneBot 12: typed events with a self object and string ids.
type v12 struct{}

func (v12) version() string { return "v12" }

func (v12) retcode(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnsupported):
		return 10002
	case errors.Is(err, errs.ErrConfig), errors.Is(err, errs.ErrNotFound):
		return 10003
	case errors.Is(err, errs.ErrTimeout):
		return 20002
	default:
		return 20001
	}
}

func (v12) response(*response) {}

func (v12) self(p *Protocol) map[string]any {
	return map[string]any{"platform": p.key.Platform, "user_id": p.key.AccountID}
}

func (d v12) meta(detail string) map[string]any {
	return map[string]any{
		"id":          uuid.NewString(),
		"time":        float64(time.Now().UnixMilli()) / 1000,
		"type":        "meta",
		"detail_type": detail,
		"sub_type":    "",
	}
}

func (d v12) connectEvent(p *Protocol) any {
	out := d.meta("connect")
	out["version"] = map[string]any{"impl": "botgate", "version": core.BuildVersion, "onebot_version": "12"}
	return out
}

func (d v12) heartbeatEvent(p *Protocol, _ *core.Status) any {
	out := d.meta("heartbeat")
	out["interval"] = p.opts.heartbeat.Milliseconds()
	return out
}

func (d v12) encodeEvent(ctx context.Context, p *Protocol, e event.Event) (any, bool, error) {
	out := map[string]any{
		"id":          e.ID,
		"time":        float64(e.Time.UnixMilli()) / 1000,
		"type":        string(e.Type),
		"detail_type": e.DetailType,
		"sub_type":    e.SubType,
		"self":        d.self(p),
	}
	switch e.Type {
	case event.TypeMessage:
		if e.Message == nil {
			return nil, false, nil
		}
		m := e.Message
		out["message_id"] = m.MessageID
		out["message"] = v12Segments(m.Segments)
		out["alt_message"] = event.PlainText(m.Segments)
		out["user_id"] = m.Sender.UserID
		putTarget(out, m.Target)
	case event.TypeNotice:
		if e.Notice == nil {
			return nil, false, nil
		}
		n := e.Notice
		out["detail_type"] = v12NoticeType(e.DetailType, n.Target.Scene)
		out["user_id"] = n.UserID
		out["operator_id"] = n.OperatorID
		if n.MessageID != "" {
			out["message_id"] = n.MessageID
		}
		putTarget(out, n.Target)
	case event.TypeRequest:
		if e.Request == nil {
			return nil, false, nil
		}
		r := e.Request
		out["user_id"] = r.UserID
		out["comment"] = r.Comment
		out["flag"] = r.Flag
		putTarget(out, r.Target)
	case event.TypeMeta:
		switch e.DetailType {
		case event.MetaConnect:
			return d.connectEvent(p), true, nil
		case event.MetaHeartbeat:
			return d.heartbeatEvent(p, nil), true, nil
		}
		return nil, false, nil
	default:
		return nil, false, nil
	}
	return out, true, nil
}

func putTarget(out map[string]any, t event.Target) {
	switch t.Scene {
	case event.SceneGroup:
		out["group_id"] = t.GroupID
	case event.SceneChannel:
		out["guild_id"] = t.GuildID
		out["channel_id"] = t.ChannelID
	}
}

func v12NoticeType(detail string, scene event.Scene) string {
	switch detail {
	case event.NoticeMessageDelete:
		switch scene {
		case event.SceneGroup:
			return "group_message_delete"
		case event.SceneChannel:
			return "channel_message_delete"
		default:
			return "private_message_delete"
		}
	default:
		return detail
	}
}

func v12Segments(segs []event.Segment) []map[string]any {
	out := make([]map[string]any, 0, len(segs))
	for _, s := range segs {
		switch s.Type {
		case event.SegText:
			out = append(out, map[string]any{"type": "text", "data": map[string]any{"text": s.Data.String("text")}})
		case event.SegMention:
			if uid := s.Data.String("user_id"); uid != "" {
				out = append(out, map[string]any{"type": "mention", "data": map[string]any{"user_id": uid}})
			} else {
				out = append(out, map[string]any{"type": "mention_all", "data": map[string]any{}})
			}
		case event.SegImage:
			out = append(out, map[string]any{"type": "image", "data": map[string]any{"file_id": s.Data.String("url")}})
		case event.SegReply:
			out = append(out, map[string]any{"type": "reply", "data": map[string]any{"message_id": s.Data.String("message_id")}})
		default:
			out = append(out, map[string]any{"type": s.Type, "data": map[string]any(s.Data)})
		}
	}
	return out
}

func v12Decode(raw any) ([]event.Segment, error) {
	list, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, badParam("message is required")
		}
		return nil, badParam("message must be a segment array")
	}
	out := make([]event.Segment, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, badParam("message segment must be an object")
		}
		typ := params(m).str("type")
		data, _ := m["data"].(map[string]any)
		d := params(data)
		switch typ {
		case "text":
			out = append(out, event.Text(d.str("text")))
		case "mention":
			uid := d.str("user_id")
			if uid == "" {
				return nil, badParam("mention segment needs user_id")
			}
			out = append(out, event.Mention(uid))
		case "mention_all":
			out = append(out, event.Segment{Type: event.SegMention, Data: event.Props{"user_id": ""}})
		case "image":
			f := d.str("file_id")
			if f == "" {
				return nil, badParam("image segment needs file_id")
			}
			out = append(out, event.Image(f))
		case "reply":
			out = append(out, event.Reply(d.str("message_id")))
		case "":
			return nil, badParam("segment type is required")
		default:
			out = append(out, event.Segment{Type: typ, Data: event.Props(data)})
		}
	}
	return out, nil
}

func (v12) actions() map[string]action { return v12Actions }

var v12Actions map[string]action

func init() {
	v12Actions = map[string]action{
		"get_supported_actions": func(context.Context, *Protocol, params) (any, error) { return supportedActions(v12{}), nil },
		"get_status":            v12Status,
		"get_version":           v12Version,
		"send_message":          v12Send,
		"delete_message":        v12Delete,
		"get_message":           v12Get,
		"update_message":        v12Update,
		"get_self_info":         v12SelfInfo,
		"get_user_info":         v12UserInfo,
		"get_friend_list":       v12FriendList,
		"get_group_info":        v12GroupInfo,
		"get_group_list":        v12GroupList,
		"get_group_member_info": v12MemberInfo,
		"get_group_member_list": v12MemberList,
		"kick_group_member":     v12Kick,
		"set_group_member_card": v12Card,
		"get_guild_list":        v12GuildList,
		"get_guild_info":        v12GuildInfo,
		"get_channel_list":      v12ChannelList,
		"get_channel_info":      v12ChannelInfo,
	}
}

func v12Status(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	st, err := bot.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"good": st.Good,
		"bots": []map[string]any{{"self": v12{}.self(p), "online": st.Online}},
	}, nil
}

func v12Version(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	v, err := bot.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"impl": v.Impl, "version": v.Version, "onebot_version": "12"}, nil
}

func v12Send(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	detail, err := in.required("detail_type")
	if err != nil {
		return nil, err
	}
	to, err := target(in, detail)
	if err != nil {
		return nil, err
	}
	segs, err := v12Decode(in["message"])
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
	at := ref.Time
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]any{"message_id": ref.MessageID, "time": float64(at.UnixMilli()) / 1000}, nil
}

func v12Delete(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	id, err := in.required("message_id")
	if err != nil {
		return nil, err
	}
	return nil, bot.DeleteMessage(ctx, id)
}

func v12Get(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	id, err := in.required("message_id")
	if err != nil {
		return nil, err
	}
	m, err := bot.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"message_id":  m.MessageID,
		"detail_type": string(m.Target.Scene),
		"user_id":     m.Sender.UserID,
		"message":     v12Segments(m.Segments),
		"alt_message": event.PlainText(m.Segments),
	}
	putTarget(out, m.Target)
	return out, nil
}

func v12Update(ctx context.Context, p *Protocol, in params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	id, err := in.required("message_id")
	if err != nil {
		return nil, err
	}
	segs, err := v12Decode(in["message"])
	if err != nil {
		return nil, err
	}
	return nil, bot.UpdateMessage(ctx, id, segs)
}

func v12User(u core.User) map[string]any {
	return map[string]any{
		"user_id":          u.UserID,
		"user_name":        u.Nickname,
		"user_displayname": u.Nickname,
		"user_remark":      u.Remark,
	}
}

func v12SelfInfo(ctx context.Context, p *Protocol, _ params) (any, error) {
	bot, err := p.mustBot()
	if err != nil {
		return nil, err
	}
	u, err := bot.GetLoginInfo(ctx)
	if err != nil {
		return nil, err
	}
	return v12User(*u), nil
}

func v12UserInfo(ctx context.Context, p *Protocol, in params) (any, error) {
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
	return v12User(*u), nil
}

func v12FriendList(ctx context.Context, p *Protocol, _ params) (any, error) {
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
		out = append(out, v12User(u))
	}
	return out, nil
}

func v12GroupInfo(ctx context.Context, p *Protocol, in params) (any, error) {
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
	return map[string]any{"group_id": g.GroupID, "group_name": g.GroupName}, nil
}

func v12GroupList(ctx context.Context, p *Protocol, _ params) (any, error) {
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
		out = append(out, map[string]any{"group_id": g.GroupID, "group_name": g.GroupName})
	}
	return out, nil
}

func v12Member(m core.Member) map[string]any {
	return map[string]any{
		"user_id":          m.UserID,
		"user_name":        m.Nickname,
		"user_displayname": orDefault(m.Card, m.Nickname),
	}
}

func v12MemberInfo(ctx context.Context, p *Protocol, in params) (any, error) {
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
	return v12Member(*m), nil
}

func v12MemberList(ctx context.Context, p *Protocol, in params) (any, error) {
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
		out = append(out, v12Member(m))
	}
	return out, nil
}

func v12Kick(ctx context.Context, p *Protocol, in params) (any, error) {
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

func v12Card(ctx context.Context, p *Protocol, in params) (any, error) {
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

func v12GuildList(ctx context.Context, p *Protocol, _ params) (any, error) {
	g, err := requireGuild(p)
	if err != nil {
		return nil, err
	}
	return g.GetGuildList(ctx)
}

func v12GuildInfo(ctx context.Context, p *Protocol, in params) (any, error) {
	g, err := requireGuild(p)
	if err != nil {
		return nil, err
	}
	id, err := in.required("guild_id")
	if err != nil {
		return nil, err
	}
	return g.GetGuildInfo(ctx, id)
}

func v12ChannelList(ctx context.Context, p *Protocol, in params) (any, error) {
	g, err := requireGuild(p)
	if err != nil {
		return nil, err
	}
	id, err := in.required("guild_id")
	if err != nil {
		return nil, err
	}
	return g.GetChannelList(ctx, id)
}

func v12ChannelInfo(ctx context.Context, p *Protocol, in params) (any, error) {
	g, err := requireGuild(p)
	if err != nil {
		return nil, err
	}
	gid, err := in.required("guild_id")
	if err != nil {
		return nil, err
	}
	cid, err := in.required("channel_id")
	if err != nil {
		return nil, err
	}
	return g.GetChannelInfo(ctx, gid, cid)
}
