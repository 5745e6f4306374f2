package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/config"
	"botgate/internal/errs"
)

func TestAdapterRegistry(t *testing.T) {
	r := NewAdapterRegistry()
	f := func(config.AccountConfig, PlatformDeps) (Client, error) { return nil, nil }
	require.NoError(t, r.Register(PlatformMeta{Name: "mock"}, f))

	err := r.Register(PlatformMeta{Name: "mock"}, f)
	var dup *errs.DuplicateRegistrationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "mock", dup.Key)

	_, err = r.Create("irc", AdapterDeps{})
	assert.ErrorIs(t, err, errs.ErrUnknownType)

	a, err := r.Create("mock", AdapterDeps{})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Meta().DisplayName)
	assert.True(t, r.Has("mock"))
	assert.False(t, r.Has("irc"))
}

func TestProtocolRegistryHas(t *testing.T) {
	r := NewProtocolRegistry()
	f := func(ProtocolDeps) (Protocol, error) { return nil, nil }
	require.NoError(t, r.Register(ProtocolMeta{Name: "onebot", Version: "v11"}, f))
	require.NoError(t, r.Register(ProtocolMeta{Name: "onebot", Version: "v12"}, f))
	assert.ErrorIs(t, r.Register(ProtocolMeta{Name: "onebot", Version: "v12"}, f), errs.ErrDuplicateRegistration)

	assert.True(t, r.Has("onebot", "v11"))
	assert.True(t, r.Has("onebot", ""))
	assert.False(t, r.Has("onebot", "v13"))
	assert.False(t, r.Has("satori", ""))

	_, err := r.Create(ProtocolKey{"onebot", "v13"}, ProtocolDeps{})
	assert.ErrorIs(t, err, errs.ErrUnknownType)

	metas := r.List()
	require.Len(t, metas, 2)
	assert.Equal(t, "v11", metas[0].Version)
}

func TestRegistryConcurrentLookups(t *testing.T) {
	r := NewProtocolRegistry()
	r.MustRegister(ProtocolMeta{Name: "p", Version: "1"}, func(ProtocolDeps) (Protocol, error) { return nil, nil })
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = r.Has("p", "1")
				_, _ = r.Create(ProtocolKey{"p", "1"}, ProtocolDeps{})
			}
		}()
	}
	wg.Wait()
}
