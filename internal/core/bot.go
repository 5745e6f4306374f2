package core

import (
	"context"
	"errors"
	"fmt"

	"botgate/internal/errs"
	"botgate/internal/event"
)

// BuildVersion is reported by GetVersion when the platform has no version
// of its own. cmd overrides it at link time.
var BuildVersion = "dev"

// accountBot is the capability handle given to protocols. Every call is
// checked against the account state, rate limited, bounded by the account
// timeout and wrapped with its origin.
type accountBot struct {
	acc    *Account
	client Client
}

func call[T any](b *accountBot, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	a := b.acc
	if st := a.State(); st != StateOnline {
		return zero, a.wrap(op, fmt.Errorf("%w: account is %s", errs.ErrState, st))
	}

	timeout := a.cfg.CallTimeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(cctx); err != nil {
			return zero, a.wrap(op, &errs.TimeoutError{Op: op + " (rate limited)", After: timeout})
		}
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(cctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.v, nil
		}
		if errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, errs.ErrTimeout) {
			return zero, a.wrap(op, &errs.TimeoutError{Op: op, After: timeout})
		}
		return zero, a.wrap(op, r.err)
	case <-cctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return zero, a.wrap(op, ctx.Err())
		}
		return zero, a.wrap(op, &errs.TimeoutError{Op: op, After: timeout})
	}
}

func call0(b *accountBot, ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := call(b, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (b *accountBot) SendMessage(ctx context.Context, to event.Target, segs []event.Segment) (MessageRef, error) {
	return call(b, ctx, "SendMessage", func(ctx context.Context) (MessageRef, error) {
		return b.client.SendMessage(ctx, to, segs)
	})
}

func (b *accountBot) DeleteMessage(ctx context.Context, messageID string) error {
	return call0(b, ctx, "DeleteMessage", func(ctx context.Context) error {
		return b.client.DeleteMessage(ctx, messageID)
	})
}

func (b *accountBot) GetMessage(ctx context.Context, messageID string) (*event.Message, error) {
	return call(b, ctx, "GetMessage", func(ctx context.Context) (*event.Message, error) {
		return b.client.GetMessage(ctx, messageID)
	})
}

func (b *accountBot) UpdateMessage(ctx context.Context, messageID string, segs []event.Segment) error {
	return call0(b, ctx, "UpdateMessage", func(ctx context.Context) error {
		return b.client.UpdateMessage(ctx, messageID, segs)
	})
}

func (b *accountBot) GetLoginInfo(ctx context.Context) (*User, error) {
	return call(b, ctx, "GetLoginInfo", b.client.GetLoginInfo)
}

func (b *accountBot) GetUserInfo(ctx context.Context, userID string) (*User, error) {
	return call(b, ctx, "GetUserInfo", func(ctx context.Context) (*User, error) {
		return b.client.GetUserInfo(ctx, userID)
	})
}

func (b *accountBot) GetFriendList(ctx context.Context) ([]User, error) {
	return call(b, ctx, "GetFriendList", b.client.GetFriendList)
}

func (b *accountBot) GetFriendInfo(ctx context.Context, userID string) (*User, error) {
	return call(b, ctx, "GetFriendInfo", func(ctx context.Context) (*User, error) {
		return b.client.GetFriendInfo(ctx, userID)
	})
}

func (b *accountBot) GetGroupList(ctx context.Context) ([]Group, error) {
	return call(b, ctx, "GetGroupList", b.client.GetGroupList)
}

func (b *accountBot) GetGroupInfo(ctx context.Context, groupID string) (*Group, error) {
	return call(b, ctx, "GetGroupInfo", func(ctx context.Context) (*Group, error) {
		return b.client.GetGroupInfo(ctx, groupID)
	})
}

func (b *accountBot) GetGroupMemberList(ctx context.Context, groupID string) ([]Member, error) {
	return call(b, ctx, "GetGroupMemberList", func(ctx context.Context) ([]Member, error) {
		return b.client.GetGroupMemberList(ctx, groupID)
	})
}

func (b *accountBot) GetGroupMemberInfo(ctx context.Context, groupID, userID string) (*Member, error) {
	return call(b, ctx, "GetGroupMemberInfo", func(ctx context.Context) (*Member, error) {
		return b.client.GetGroupMemberInfo(ctx, groupID, userID)
	})
}

func (b *accountBot) KickGroupMember(ctx context.Context, groupID, userID string, rejectRejoin bool) error {
	return call0(b, ctx, "KickGroupMember", func(ctx context.Context) error {
		return b.client.KickGroupMember(ctx, groupID, userID, rejectRejoin)
	})
}

func (b *accountBot) SetGroupCard(ctx context.Context, groupID, userID, card string) error {
	return call0(b, ctx, "SetGroupCard", func(ctx context.Context) error {
		return b.client.SetGroupCard(ctx, groupID, userID, card)
	})
}

// GetVersion falls back to the gateway's own version when the platform
// does not report one.
func (b *accountBot) GetVersion(ctx context.Context) (*Version, error) {
	v, err := call(b, ctx, "GetVersion", b.client.GetVersion)
	if errors.Is(err, errs.ErrUnsupported) || (err == nil && v == nil) {
		return &Version{Impl: "botgate", Version: BuildVersion, Platform: b.acc.cfg.Platform}, nil
	}
	return v, err
}

// GetStatus is answered from the account itself and works in any state.
func (b *accountBot) GetStatus(context.Context) (*Status, error) {
	a := b.acc
	st := a.Status()
	return &Status{
		Online:     st.State == StateOnline.String(),
		Good:       st.State == StateOnline.String() && st.LastError == "",
		State:      st.State,
		Since:      st.Since,
		Dispatched: st.Dispatched,
		Dropped:    st.Dropped,
		LastError:  st.LastError,
	}, nil
}

type accountGuild struct {
	bot   *accountBot
	guild GuildBot
}

func (g *accountGuild) GetGuildList(ctx context.Context) ([]Guild, error) {
	return call(g.bot, ctx, "GetGuildList", g.guild.GetGuildList)
}

func (g *accountGuild) GetGuildInfo(ctx context.Context, guildID string) (*Guild, error) {
	return call(g.bot, ctx, "GetGuildInfo", func(ctx context.Context) (*Guild, error) {
		return g.guild.GetGuildInfo(ctx, guildID)
	})
}

func (g *accountGuild) GetChannelList(ctx context.Context, guildID string) ([]Channel, error) {
	return call(g.bot, ctx, "GetChannelList", func(ctx context.Context) ([]Channel, error) {
		return g.guild.GetChannelList(ctx, guildID)
	})
}

func (g *accountGuild) GetChannelInfo(ctx context.Context, guildID, channelID string) (*Channel, error) {
	return call(g.bot, ctx, "GetChannelInfo", func(ctx context.Context) (*Channel, error) {
		return g.guild.GetChannelInfo(ctx, guildID, channelID)
	})
}
