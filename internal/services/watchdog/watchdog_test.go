package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/config"
	"botgate/internal/errs"
	"botgate/pkg/logx"
)

type fleet struct {
	mu        sync.Mutex
	offline   []config.AccountKey
	failFor   string
	block     chan struct{}
	started   []string
	inflight  int
	maxFlight int
}

func (f *fleet) RestartCandidates() []config.AccountKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]config.AccountKey(nil), f.offline...)
}

func (f *fleet) StartAccount(_ context.Context, platform, id string) error {
	f.mu.Lock()
	f.inflight++
	f.maxFlight = max(f.maxFlight, f.inflight)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if id == f.failFor {
		return errors.New("still down")
	}
	if id == "panic" {
		panic("boom")
	}
	f.started = append(f.started, platform+"/"+id)
	return nil
}

func TestScanIsolatesFailures(t *testing.T) {
	f := &fleet{
		offline: []config.AccountKey{{Platform: "mock", AccountID: "1"}, {Platform: "mock", AccountID: "2"}, {Platform: "mock", AccountID: "panic"}, {Platform: "mock", AccountID: "3"}},
		failFor: "2",
	}
	s := New(f, logx.Nop())
	s.Scan(context.Background())

	assert.Equal(t, []string{"mock/1", "mock/3"}, f.started)
	st := s.Stats()
	assert.EqualValues(t, 1, st.Scans)
	assert.EqualValues(t, 2, st.Restarts)
	assert.EqualValues(t, 2, st.Failures)
}

func TestScansDoNotOverlap(t *testing.T) {
	f := &fleet{offline: []config.AccountKey{{Platform: "mock", AccountID: "1"}}, block: make(chan struct{})}
	s := New(f, logx.Nop())

	done := make(chan struct{})
	go func() {
		s.Scan(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.inflight == 1
	}, time.Second, 5*time.Millisecond)

	s.Scan(context.Background())
	close(f.block)
	<-done
	assert.Equal(t, 1, f.maxFlight)
	assert.EqualValues(t, 1, s.Stats().Scans)
}

func TestStartRunsOnSchedule(t *testing.T) {
	f := &fleet{offline: []config.AccountKey{{Platform: "mock", AccountID: "1"}}}
	s := New(f, logx.Nop())
	require.NoError(t, s.Start(context.Background(), config.WatchdogConfig{Enabled: true, Schedule: "@every 1s"}))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return s.Stats().Restarts >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, s.Stats().Enabled)
}

func TestDisabledAndInvalidSchedules(t *testing.T) {
	s := New(&fleet{}, logx.Nop())
	require.NoError(t, s.Start(context.Background(), config.WatchdogConfig{Enabled: false}))
	assert.False(t, s.Stats().Enabled)

	err := s.Start(context.Background(), config.WatchdogConfig{Enabled: true, Schedule: "every so often"})
	assert.ErrorIs(t, err, errs.ErrConfig)
	assert.NoError(t, s.Validate("*/5 * * * * *"))
}
