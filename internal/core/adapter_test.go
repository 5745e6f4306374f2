package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/config"
	"botgate/internal/errs"
)

func TestCreateAccountIsPure(t *testing.T) {
	h := newHarness("p1")
	a, err := h.adapter.CreateAccount(accountCfg("1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, h.rec.list())
	assert.Zero(t, h.adapter.Len())

	_, err = h.adapter.CreateAccount(config.AccountConfig{Platform: "other", AccountID: "1"})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestAttachDetach(t *testing.T) {
	h := newHarness("p1")
	a, _ := h.adapter.CreateAccount(accountCfg("1"))
	require.NoError(t, h.adapter.Attach(a))
	b, _ := h.adapter.CreateAccount(accountCfg("1"))
	assert.ErrorIs(t, h.adapter.Attach(b), errs.ErrConfig)

	got, ok := h.adapter.Detach("1")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.ErrorIs(t, h.adapter.StartAccount(context.Background(), "1"), errs.ErrNotFound)
}

func TestStartAllIsolatesFailures(t *testing.T) {
	h := newHarness("p1")
	ok1, _ := h.adapter.CreateAccount(accountCfg("ok1", "p1"))
	bad, _ := h.adapter.CreateAccount(accountCfg("bad", "missing"))
	disabled := accountCfg("off", "p1")
	disabled.Enabled = config.Bool(false)
	off, _ := h.adapter.CreateAccount(disabled)
	for _, a := range []*Account{ok1, bad, off} {
		require.NoError(t, h.adapter.Attach(a))
	}

	err := h.adapter.StartAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnknownType))
	assert.Equal(t, StateOnline, ok1.State())
	assert.Equal(t, StateOffline, bad.State())
	assert.Equal(t, StateIdle, off.State())

	require.NoError(t, h.adapter.StopAll(context.Background(), true))
	assert.Equal(t, StateOffline, ok1.State())
	assert.Zero(t, h.mounter.len())
}
