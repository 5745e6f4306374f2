package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		code     string
	}{
		{Config("accounts[0].platform", "required"), ErrConfig, "config_error"},
		{&UnknownTypeError{Kind: "platform", Key: "irc"}, ErrUnknownType, "unknown_type"},
		{&DuplicateRegistrationError{Kind: "protocol", Key: "onebot/v11"}, ErrDuplicateRegistration, "duplicate_registration"},
		{Unsupported("matrix", "SetGroupCard"), ErrUnsupported, "unsupported"},
		{&TimeoutError{Op: "SendMessage"}, ErrTimeout, "timeout"},
		{NotFound("route %s", "/a/b/c/d"), ErrNotFound, "not_found"},
		{&StateError{From: "idle", To: "online"}, ErrState, "invalid_state"},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.sentinel)
		assert.Equal(t, tc.code, Code(tc.err))
		wrapped := Wrap(fmt.Errorf("ctx: %w", tc.err), "mock", "42", "v1", "op")
		assert.ErrorIs(t, wrapped, tc.sentinel)
		assert.Equal(t, tc.code, Code(wrapped))
	}
}

func TestWrapKeepsTypedDetails(t *testing.T) {
	err := Wrap(Unsupported("matrix", "KickGroupMember"), "matrix", "@bot:hs", "", "KickGroupMember")
	var u *UnsupportedCapabilityError
	assert.True(t, errors.As(err, &u))
	assert.Equal(t, "KickGroupMember", u.Capability)
	assert.Contains(t, err.Error(), "matrix/@bot:hs KickGroupMember")
	assert.Nil(t, Wrap(nil, "p", "a", "", ""))
}

func TestTimeoutMatchesDeadline(t *testing.T) {
	assert.ErrorIs(t, &TimeoutError{Op: "x"}, context.DeadlineExceeded)
	assert.Equal(t, "timeout", Code(context.DeadlineExceeded))
	assert.Equal(t, "internal", Code(errors.New("boom")))
}
