package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) hook(name string, err error) Hook {
	return func(context.Context) error {
		t.mu.Lock()
		t.calls = append(t.calls, name)
		t.mu.Unlock()
		return err
	}
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func TestStopRunsInReverseAndIsolatesFailures(t *testing.T) {
	tr := &trace{}
	m := New(logx.Nop())
	boom := errors.New("boom")
	require.NoError(t, m.Register("a", tr.hook("stop a", nil), tr.hook("start a", nil)))
	require.NoError(t, m.Register("b", tr.hook("stop b", boom), tr.hook("start b", nil)))
	require.NoError(t, m.Register("c", func(context.Context) error { panic("bad hook") }, tr.hook("start c", nil)))
	require.NoError(t, m.Register("d", tr.hook("stop d", nil), nil))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 4, m.Started())

	err := m.Stop(context.Background(), StopAppStop)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stop c: panic: bad hook")
	assert.Equal(t, []string{"start a", "start b", "start c", "stop d", "stop b", "stop a"}, tr.list())

	require.NoError(t, m.Stop(context.Background(), StopAppStop), "second stop is a no-op")
}

func TestStartFailureRollsBack(t *testing.T) {
	tr := &trace{}
	m := New(logx.Nop())
	require.NoError(t, m.Register("a", tr.hook("stop a", nil), tr.hook("start a", nil)))
	require.NoError(t, m.Register("b", tr.hook("stop b", nil), tr.hook("start b", errors.New("no port"))))
	require.NoError(t, m.Register("c", tr.hook("stop c", nil), tr.hook("start c", nil)))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b: no port")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, tr.list())
	assert.Zero(t, m.Started())
}

func TestDuplicateHookName(t *testing.T) {
	m := New(logx.Nop())
	require.NoError(t, m.Register("http", nil, nil))
	assert.ErrorIs(t, m.Register("http", nil, nil), errs.ErrDuplicateRegistration)
}

func TestHookTimeout(t *testing.T) {
	m := New(logx.Nop(), WithHookTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, m.Register("stuck", stuck, nil))
	require.NoError(t, m.Start(context.Background()))

	start := time.Now()
	err := m.Stop(context.Background(), StopAppStop)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCleanupRunsOnce(t *testing.T) {
	tr := &trace{}
	m := New(logx.Nop())
	m.RegisterCleanup("store", tr.hook("close store", nil))
	m.RegisterCleanup("logs", tr.hook("close logs", errors.New("flush failed")))

	err := m.Cleanup(context.Background())
	assert.ErrorContains(t, err, "cleanup logs: flush failed")
	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, []string{"close logs", "close store"}, tr.list())
}
