// Package event defines the normalized event every platform produces and
// every protocol consumes.
//
// Events are values built by the constructors in this package. Consumers
// must treat them as read-only; Segments and the payload pointers are shared
// between every protocol bound to the account.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMessage Type = "message"
	TypeNotice  Type = "notice"
	TypeRequest Type = "request"
	// TypeMeta is produced by the hub itself (lifecycle, heartbeat), never by
	// a platform.
	TypeMeta Type = "meta"
)

// Scene says where a message or notice happened.
type Scene string

const (
	ScenePrivate Scene = "private"
	SceneGroup   Scene = "group"
	SceneChannel Scene = "channel"
)

// Props is a free-form bag for segment data and platform extras.
type Props map[string]any

func (p Props) String(key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

type Segment struct {
	Type string `json:"type"`
	Data Props  `json:"data"`
}

const (
	SegText    = "text"
	SegMention = "mention"
	SegImage   = "image"
	SegReply   = "reply"
	SegFile    = "file"
)

func Text(s string) Segment { return Segment{Type: SegText, Data: Props{"text": s}} }

func Mention(userID string) Segment {
	return Segment{Type: SegMention, Data: Props{"user_id": userID}}
}

func Image(url string) Segment { return Segment{Type: SegImage, Data: Props{"url": url}} }

func Reply(messageID string) Segment {
	return Segment{Type: SegReply, Data: Props{"message_id": messageID}}
}

// PlainText concatenates the text segments of a message.
func PlainText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Type == SegText {
			b.WriteString(s.Data.String("text"))
		}
	}
	return b.String()
}

type Sender struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Target addresses a conversation: a user for private scenes, a group, or a
// guild channel.
type Target struct {
	Scene     Scene  `json:"scene"`
	UserID    string `json:"user_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// ID returns the conversation identifier for the scene.
func (t Target) ID() string {
	switch t.Scene {
	case SceneGroup:
		return t.GroupID
	case SceneChannel:
		return t.ChannelID
	default:
		return t.UserID
	}
}

type Message struct {
	MessageID string    `json:"message_id"`
	Target    Target    `json:"target"`
	Sender    Sender    `json:"sender"`
	Segments  []Segment `json:"segments"`
	// Raw is the platform's own text rendering, when it has one.
	Raw string `json:"raw,omitempty"`
}

// Notice detail types produced by the bundled platforms.
const (
	NoticeMemberIncrease = "group_member_increase"
	NoticeMemberDecrease = "group_member_decrease"
	NoticeMessageDelete  = "message_delete"
	NoticeMessageEdit    = "message_edit"
	NoticeFriendAdd      = "friend_increase"
)

type Notice struct {
	Target     Target `json:"target"`
	UserID     string `json:"user_id,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Request detail types.
const (
	RequestFriend = "friend"
	RequestGroup  = "group"
)

type Request struct {
	Target  Target `json:"target"`
	UserID  string `json:"user_id"`
	Comment string `json:"comment,omitempty"`
	Flag    string `json:"flag"`
}

// Meta detail types.
const (
	MetaConnect   = "connect"
	MetaHeartbeat = "heartbeat"
)

// Event is the normalized record. Exactly one of Message, Notice, Request
// is set for the matching Type; meta events carry none.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	DetailType string    `json:"detail_type"`
	SubType    string    `json:"sub_type,omitempty"`
	Platform   string    `json:"platform"`
	SelfID     string    `json:"self_id"`
	Time       time.Time `json:"time"`

	Message *Message `json:"message,omitempty"`
	Notice  *Notice  `json:"notice,omitempty"`
	Request *Request `json:"request,omitempty"`

	Extra Props `json:"extra,omitempty"`
}

func newEvent(platform, selfID string, typ Type, detail string, at time.Time) Event {
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		DetailType: detail,
		Platform:   platform,
		SelfID:     selfID,
		Time:       at,
	}
}

// NewMessage builds a message event. DetailType is the scene.
func NewMessage(platform, selfID string, at time.Time, m Message) Event {
	e := newEvent(platform, selfID, TypeMessage, string(m.Target.Scene), at)
	m.Segments = append([]Segment(nil), m.Segments...)
	e.Message = &m
	return e
}

func NewNotice(platform, selfID string, at time.Time, detail string, n Notice) Event {
	e := newEvent(platform, selfID, TypeNotice, detail, at)
	e.Notice = &n
	return e
}

func NewRequest(platform, selfID string, at time.Time, detail string, r Request) Event {
	e := newEvent(platform, selfID, TypeRequest, detail, at)
	e.Request = &r
	return e
}

func NewMeta(platform, selfID, detail string) Event {
	return newEvent(platform, selfID, TypeMeta, detail, time.Time{})
}

// WithSubType returns a copy of e with SubType set.
func (e Event) WithSubType(sub string) Event {
	e.SubType = sub
	return e
}

// WithExtra returns a copy of e with extra merged over the existing extras.
func (e Event) WithExtra(extra Props) Event {
	merged := make(Props, len(e.Extra)+len(extra))
	for k, v := range e.Extra {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	e.Extra = merged
	return e
}
