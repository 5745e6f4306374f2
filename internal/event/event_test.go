package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageCopiesSegments(t *testing.T) {
	segs := []Segment{Text("hi "), Mention("7"), Text("there")}
	at := time.Unix(1700000000, 0)
	e := NewMessage("mock", "42", at, Message{
		MessageID: "m1",
		Target:    Target{Scene: SceneGroup, GroupID: "g1"},
		Sender:    Sender{UserID: "7"},
		Segments:  segs,
	})
	segs[0] = Text("mutated")

	require.NotNil(t, e.Message)
	assert.Equal(t, TypeMessage, e.Type)
	assert.Equal(t, "group", e.DetailType)
	assert.Equal(t, at, e.Time)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "hi there", PlainText(e.Message.Segments))
	assert.Equal(t, "g1", e.Message.Target.ID())
}

func TestConstructorsSetPayload(t *testing.T) {
	n := NewNotice("mock", "42", time.Time{}, NoticeMemberIncrease, Notice{Target: Target{Scene: SceneGroup, GroupID: "g"}, UserID: "u"})
	assert.Equal(t, TypeNotice, n.Type)
	assert.False(t, n.Time.IsZero())
	assert.Nil(t, n.Message)

	r := NewRequest("mock", "42", time.Time{}, RequestFriend, Request{UserID: "u", Flag: "f"})
	assert.Equal(t, TypeRequest, r.Type)
	assert.Equal(t, "f", r.Request.Flag)

	m := NewMeta("mock", "42", MetaHeartbeat)
	assert.Equal(t, TypeMeta, m.Type)
	assert.NotEqual(t, n.ID, m.ID)
}

func TestWithExtraDoesNotAlias(t *testing.T) {
	base := NewMeta("mock", "1", MetaConnect).WithExtra(Props{"a": 1})
	derived := base.WithExtra(Props{"b": 2}).WithSubType("x")
	assert.Len(t, base.Extra, 1)
	assert.Len(t, derived.Extra, 2)
	assert.Empty(t, base.SubType)
}
