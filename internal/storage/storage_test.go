package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/pkg/logx"
)

var _ core.MessageIDs = Store(nil)

func drivers(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	open := func(driver string) func() Store {
		return func() Store {
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver+".db")}, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	return map[string]func() Store{
		"memory": open("memory"),
		"file":   open("file"),
		"sqlite": open("sqlite"),
	}
}

func TestInternIsStableAndScoped(t *testing.T) {
	ctx := context.Background()
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			a, err := st.InternMessageID(ctx, "tg/1", "chat:5:msg:9")
			require.NoError(t, err)
			assert.Positive(t, a)
			again, err := st.InternMessageID(ctx, "tg/1", "chat:5:msg:9")
			require.NoError(t, err)
			assert.Equal(t, a, again)

			b, err := st.InternMessageID(ctx, "tg/1", "chat:5:msg:10")
			require.NoError(t, err)
			assert.NotEqual(t, a, b)

			p, err := st.ResolveMessageID(ctx, "tg/1", a)
			require.NoError(t, err)
			assert.Equal(t, "chat:5:msg:9", p)

			_, err = st.ResolveMessageID(ctx, "tg/2", a)
			assert.ErrorIs(t, err, errs.ErrNotFound)
		})
	}
}

func TestInternManyHasNoDuplicates(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	seen := map[int32]string{}
	for i := range 5000 {
		pid := fmt.Sprintf("m%d", i)
		id, err := st.InternMessageID(ctx, "s", pid)
		require.NoError(t, err)
		if prev, dup := seen[id]; dup {
			t.Fatalf("id %d given to %s and %s", id, prev, pid)
		}
		seen[id] = pid
	}
}

func TestCollisionsStepUpward(t *testing.T) {
	x := idIndex{}
	want := candidateID("s", "a")
	x.put("s", "other", want)
	got, fresh := x.intern("s", "a")
	assert.True(t, fresh)
	assert.Equal(t, nextID(want), got)
}

func TestPersistentDriversSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := Config{Driver: driver, Path: filepath.Join(dir, driver, "botgate.db")}
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			id, err := st.InternMessageID(ctx, "mx/@bot", "$event:server")
			require.NoError(t, err)
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "add", Platform: "mx", AccountID: "@bot", OK: true}))
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "remove", Platform: "mx", AccountID: "@bot", Error: "boom"}))
			require.NoError(t, st.Close())

			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			p, err := st.ResolveMessageID(ctx, "mx/@bot", id)
			require.NoError(t, err)
			assert.Equal(t, "$event:server", p)

			entries, err := st.RecentAudit(ctx, 10)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "remove", entries[0].Action)
			assert.False(t, entries[0].OK)
			assert.Equal(t, "boom", entries[0].Error)
			assert.Equal(t, "add", entries[1].Action)
			assert.True(t, entries[1].OK)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.InternMessageID(context.Background(), "s", "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAuditRingKeepsNewest(t *testing.T) {
	r := auditRing{max: 3}
	for i := 0; i < 10; i++ {
		r.push(AuditEntry{TookMS: int64(i)})
	}
	got := r.newest(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{9, 8, 7}, []int64{got[0].TookMS, got[1].TookMS, got[2].TookMS})
	assert.Len(t, r.newest(2), 2)
}

func TestFileJournalSkipsTornLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gw.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	id, err := st.InternMessageID(ctx, "tg/1", "100")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// A crash mid-write leaves a partial last line.
	f, err := os.OpenFile(filepath.Join(filepath.Dir(path), "gw.ids.jsonl"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"scope":"tg/1","pid":"1`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	p, err := st.ResolveMessageID(ctx, "tg/1", id)
	require.NoError(t, err)
	assert.Equal(t, "100", p)

	require.NoError(t, st.Close())
	_, err = st.InternMessageID(ctx, "tg/1", "101")
	assert.ErrorIs(t, err, ErrClosed)
}
