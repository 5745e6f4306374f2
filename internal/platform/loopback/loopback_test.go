package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/event"
)

type sink struct {
	mu     sync.Mutex
	events []event.Event
	lost   error
}

func (s *sink) Dispatch(e event.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sink) ConnectionLost(err error) {
	s.mu.Lock()
	s.lost = err
	s.mu.Unlock()
}

func newClient(t *testing.T, id string, set config.Settings) *Client {
	t.Helper()
	c, err := New(config.AccountConfig{Platform: Name, AccountID: id, Settings: set}, core.PlatformDeps{})
	require.NoError(t, err)
	return c.(*Client)
}

func TestEchoRoundTrip(t *testing.T) {
	c := newClient(t, "1", config.Settings{"echo": true})
	s := &sink{}
	require.NoError(t, c.Connect(context.Background(), s))

	to := event.Target{Scene: event.SceneGroup, GroupID: "g"}
	ref, err := c.SendMessage(context.Background(), to, []event.Segment{event.Text("hi")})
	require.NoError(t, err)
	assert.Equal(t, "1-1", ref.MessageID)

	require.Len(t, s.events, 1)
	assert.Equal(t, event.TypeMessage, s.events[0].Type)
	assert.Equal(t, "hi", s.events[0].Message.Raw)

	got, err := c.GetMessage(context.Background(), ref.MessageID)
	require.NoError(t, err)
	assert.Equal(t, to, got.Target)

	require.NoError(t, c.DeleteMessage(context.Background(), ref.MessageID))
	require.Len(t, s.events, 2)
	assert.Equal(t, event.NoticeMessageDelete, s.events[1].DetailType)
	_, err = c.GetMessage(context.Background(), ref.MessageID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFailConnect(t *testing.T) {
	c := newClient(t, "2", config.Settings{"fail_connect": true})
	assert.Error(t, c.Connect(context.Background(), &sink{}))
	assert.False(t, c.Connected())
}

func TestInjectAndDrop(t *testing.T) {
	c := newClient(t, "3", nil)
	e := event.NewMessage(Name, "3", time.Time{}, event.Message{MessageID: "x", Target: event.Target{Scene: event.ScenePrivate, UserID: "u"}})
	assert.False(t, c.Inject(e))

	s := &sink{}
	require.NoError(t, c.Connect(context.Background(), s))
	assert.True(t, c.Inject(e))
	got, ok := Lookup("3")
	require.True(t, ok)
	assert.Same(t, c, got)

	c.Drop(assert.AnError)
	assert.ErrorIs(t, s.lost, assert.AnError)
	assert.False(t, c.Connected())
}

func TestUnsupportedCapabilities(t *testing.T) {
	c := newClient(t, "4", config.Settings{"groups": []any{"g1"}})
	_, err := c.GetFriendList(context.Background())
	assert.ErrorIs(t, err, errs.ErrUnsupported)

	groups, err := c.GetGroupList(context.Background())
	require.NoError(t, err)
	assert.Len(t, groups, 1)
	_, err = c.GetGroupInfo(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
