package core

import (
	"context"
	"time"

	"botgate/internal/errs"
	"botgate/internal/event"
)

// MessageRef identifies a sent message.
type MessageRef struct {
	MessageID string    `json:"message_id"`
	Time      time.Time `json:"time"`
}

type User struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type Group struct {
	GroupID     string `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count,omitempty"`
	MaxMembers  int    `json:"max_member_count,omitempty"`
}

type Member struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	Nickname string    `json:"nickname"`
	Card     string    `json:"card,omitempty"`
	Role     string    `json:"role,omitempty"` // owner, admin, member
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

type Guild struct {
	GuildID   string `json:"guild_id"`
	GuildName string `json:"guild_name"`
}

type Channel struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

type Version struct {
	Impl            string `json:"impl"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version,omitempty"`
}

type Status struct {
	Online     bool      `json:"online"`
	Good       bool      `json:"good"`
	State      string    `json:"state"`
	Since      time.Time `json:"since,omitempty"`
	Dispatched uint64    `json:"dispatched"`
	Dropped    uint64    `json:"dropped"`
	LastError  string    `json:"last_error,omitempty"`
}

// Bot is the capability contract platforms implement and protocols call.
// A capability a platform cannot serve fails with an
// errs.UnsupportedCapabilityError; it never silently succeeds.
type Bot interface {
	SendMessage(ctx context.Context, to event.Target, segs []event.Segment) (MessageRef, error)
	// Message ids are opaque and self-contained; platforms that need the
	// conversation to address a message encode it into the id.
	DeleteMessage(ctx context.Context, messageID string) error
	GetMessage(ctx context.Context, messageID string) (*event.Message, error)
	UpdateMessage(ctx context.Context, messageID string, segs []event.Segment) error

	GetLoginInfo(ctx context.Context) (*User, error)
	GetUserInfo(ctx context.Context, userID string) (*User, error)
	GetFriendList(ctx context.Context) ([]User, error)
	GetFriendInfo(ctx context.Context, userID string) (*User, error)

	GetGroupList(ctx context.Context) ([]Group, error)
	GetGroupInfo(ctx context.Context, groupID string) (*Group, error)
	GetGroupMemberList(ctx context.Context, groupID string) ([]Member, error)
	GetGroupMemberInfo(ctx context.Context, groupID, userID string) (*Member, error)
	KickGroupMember(ctx context.Context, groupID, userID string, rejectRejoin bool) error
	SetGroupCard(ctx context.Context, groupID, userID, card string) error

	GetVersion(ctx context.Context) (*Version, error)
	GetStatus(ctx context.Context) (*Status, error)
}

// GuildBot is the optional guild/channel extension.
type GuildBot interface {
	GetGuildList(ctx context.Context) ([]Guild, error)
	GetGuildInfo(ctx context.Context, guildID string) (*Guild, error)
	GetChannelList(ctx context.Context, guildID string) ([]Channel, error)
	GetChannelInfo(ctx context.Context, guildID, channelID string) (*Channel, error)
}

// Sink receives what a connected platform client produces.
type Sink interface {
	// Dispatch hands over one normalized event. It never blocks on
	// protocol delivery.
	Dispatch(e event.Event)
	// ConnectionLost reports that the platform connection ended without
	// Disconnect being called.
	ConnectionLost(err error)
}

// Client is one platform connection for one account.
type Client interface {
	Bot
	// Connect establishes the connection and returns once it is usable.
	// Background loops it starts deliver to sink until Disconnect.
	Connect(ctx context.Context, sink Sink) error
	Disconnect(ctx context.Context) error
}

// UnimplementedBot answers every capability with UnsupportedCapabilityError.
// Platform clients embed it and override what they support.
type UnimplementedBot struct {
	Platform string
}

func (u UnimplementedBot) unsupported(op string) error { return errs.Unsupported(u.Platform, op) }

func (u UnimplementedBot) SendMessage(context.Context, event.Target, []event.Segment) (MessageRef, error) {
	return MessageRef{}, u.unsupported("SendMessage")
}
func (u UnimplementedBot) DeleteMessage(context.Context, string) error {
	return u.unsupported("DeleteMessage")
}
func (u UnimplementedBot) GetMessage(context.Context, string) (*event.Message, error) {
	return nil, u.unsupported("GetMessage")
}
func (u UnimplementedBot) UpdateMessage(context.Context, string, []event.Segment) error {
	return u.unsupported("UpdateMessage")
}
func (u UnimplementedBot) GetLoginInfo(context.Context) (*User, error) {
	return nil, u.unsupported("GetLoginInfo")
}
func (u UnimplementedBot) GetUserInfo(context.Context, string) (*User, error) {
	return nil, u.unsupported("GetUserInfo")
}
func (u UnimplementedBot) GetFriendList(context.Context) ([]User, error) {
	return nil, u.unsupported("GetFriendList")
}
func (u UnimplementedBot) GetFriendInfo(context.Context, string) (*User, error) {
	return nil, u.unsupported("GetFriendInfo")
}
func (u UnimplementedBot) GetGroupList(context.Context) ([]Group, error) {
	return nil, u.unsupported("GetGroupList")
}
func (u UnimplementedBot) GetGroupInfo(context.Context, string) (*Group, error) {
	return nil, u.unsupported("GetGroupInfo")
}
func (u UnimplementedBot) GetGroupMemberList(context.Context, string) ([]Member, error) {
	return nil, u.unsupported("GetGroupMemberList")
}
func (u UnimplementedBot) GetGroupMemberInfo(context.Context, string, string) (*Member, error) {
	return nil, u.unsupported("GetGroupMemberInfo")
}
func (u UnimplementedBot) KickGroupMember(context.Context, string, string, bool) error {
	return u.unsupported("KickGroupMember")
}
func (u UnimplementedBot) SetGroupCard(context.Context, string, string, string) error {
	return u.unsupported("SetGroupCard")
}
func (u UnimplementedBot) GetVersion(context.Context) (*Version, error) {
	return nil, u.unsupported("GetVersion")
}
func (u UnimplementedBot) GetStatus(context.Context) (*Status, error) {
	return nil, u.unsupported("GetStatus")
}
