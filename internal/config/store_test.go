package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate/internal/errs"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func mockAccount(id string) AccountConfig {
	return AccountConfig{
		Platform:  "mock",
		AccountID: id,
		Protocols: []ProtocolConfig{{Name: "onebot", Version: "v11"}},
		Settings:  Settings{"token": "secret-" + id},
	}
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "botgate.yaml", `
server:
  username: admin
  password: pw
logging:
  level: debug
accounts:
  - platform: telegram
    account_id: "12345"
    protocols:
      - name: onebot
        version: v11
`)
	s := NewStore(p)
	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, DefaultWatchdogSchedule, cfg.Watchdog.Schedule)

	ac, ok := s.Account(AccountKey{Platform: "telegram", AccountID: "12345"})
	require.True(t, ok)
	assert.True(t, ac.IsEnabled())
	assert.Equal(t, DefaultCallTimeout, ac.CallTimeout())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "botgate.json", `{"server":{"port":1},"bogus":true}`)
	_, err := NewStore(p).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoadLiftsFlatAccountKeys(t *testing.T) {
	p := writeFile(t, t.TempDir(), "botgate.json", `{
  "server": {"port": 5600},
  "matrix.@bot:example.org": {"protocols": [{"name": "onebot", "version": "v12"}]},
  "general": {"onebot.v12": {"heartbeat_interval": "5s"}}
}`)
	s := NewStore(p)
	_, err := s.Load()
	require.NoError(t, err)

	ac, ok := s.Account(AccountKey{Platform: "matrix", AccountID: "@bot:example.org"})
	require.True(t, ok, "account id keeps everything after the first dot")
	assert.Equal(t, "v12", ac.Protocols[0].Version)

	require.NoError(t, s.Save())
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"matrix.@bot:example.org"`)
	assert.Contains(t, string(b), `"accounts"`)
}

func TestDuplicateAccountsRejected(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{mockAccount("1"), mockAccount("1")}}
	_, err := NewMemoryStore(cfg)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestUpsertRemovePersistFullDocument(t *testing.T) {
	for _, name := range []string{"botgate.json", "botgate.yaml", "botgate.toml"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			p := filepath.Join(dir, name)
			s := NewStore(p)

			prev, err := s.UpsertAccount(mockAccount("42"))
			require.NoError(t, err)
			assert.Nil(t, prev)

			updated := mockAccount("42")
			updated.RateLimit = Float(5)
			prev, err = s.UpsertAccount(updated)
			require.NoError(t, err)
			require.NotNil(t, prev)
			assert.Zero(t, prev.CallRate())

			reloaded := NewStore(p)
			_, err = reloaded.Load()
			require.NoError(t, err)
			ac, ok := reloaded.Account(AccountKey{Platform: "mock", AccountID: "42"})
			require.True(t, ok)
			assert.Equal(t, 5.0, ac.CallRate())
			assert.Equal(t, "secret-42", ac.Settings["token"])

			removed, err := s.RemoveAccount(ac.Key())
			require.NoError(t, err)
			assert.Equal(t, "42", removed.AccountID)
			_, err = s.RemoveAccount(ac.Key())
			assert.ErrorIs(t, err, errs.ErrNotFound)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "temp files are renamed away")
		})
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "botgate.json"))
	_, err := s.UpsertAccount(mockAccount("1"))
	require.NoError(t, err)

	s.writeFile = func(string, []byte) error { return errors.New("disk full") }
	_, err = s.UpsertAccount(mockAccount("2"))
	require.Error(t, err)
	_, err = s.RemoveAccount(AccountKey{Platform: "mock", AccountID: "1"})
	require.Error(t, err)

	accounts := s.Accounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, "1", accounts[0].AccountID)
}

func TestInsertAccountRejectsExisting(t *testing.T) {
	s, err := NewMemoryStore(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertAccount(mockAccount("1")))
	assert.ErrorIs(t, s.InsertAccount(mockAccount("1")), errs.ErrConfig)
}

func TestConcurrentInsertsOfOneKey(t *testing.T) {
	s, err := NewMemoryStore(nil)
	require.NoError(t, err)

	const n = 16
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ac := mockAccount("1")
			ac.Settings = Settings{"writer": i}
			results <- s.InsertAccount(ac)
		}(i)
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrConfig)
	}
	assert.Equal(t, 1, won)
	require.Len(t, s.Accounts(), 1)
}

func TestRestoreUndoesMutation(t *testing.T) {
	s, err := NewMemoryStore(nil)
	require.NoError(t, err)
	prev, err := s.UpsertAccount(mockAccount("1"))
	require.NoError(t, err)
	require.NoError(t, s.Restore(AccountKey{Platform: "mock", AccountID: "1"}, prev))
	assert.Empty(t, s.Accounts())
	require.NoError(t, s.Restore(AccountKey{Platform: "mock", AccountID: "1"}, nil))
}

func TestGetReturnsDeepCopy(t *testing.T) {
	s, err := NewMemoryStore(&Config{Accounts: []AccountConfig{mockAccount("1")}})
	require.NoError(t, err)
	c := s.Get()
	c.Accounts[0].Settings["token"] = "changed"
	ac, _ := s.Account(AccountKey{Platform: "mock", AccountID: "1"})
	assert.Equal(t, "secret-1", ac.Settings["token"])
}

func TestProtocolSettingsMerge(t *testing.T) {
	cfg := &Config{General: map[string]Settings{
		"onebot":     {"a": 1, "b": 1},
		"onebot.v11": {"b": 2, "c": 2},
	}}
	got := cfg.ProtocolSettings(ProtocolConfig{Name: "onebot", Version: "v11", Settings: Settings{"c": 3}})
	assert.Equal(t, Settings{"a": 1, "b": 2, "c": 3}, got)
}

func TestMergeKeepsZeroFields(t *testing.T) {
	base := mockAccount("1")
	base.Timeout = "3s"
	out := base.Merge(AccountConfig{Platform: "mock", AccountID: "1", Enabled: Bool(false)})
	assert.False(t, out.IsEnabled())
	assert.Equal(t, "3s", out.Timeout)
	assert.Len(t, out.Protocols, 1)

	out = base.Merge(AccountConfig{Protocols: []ProtocolConfig{}})
	assert.Empty(t, out.Protocols)
}

func TestMergeClearsExplicitZeros(t *testing.T) {
	base := mockAccount("1")
	base.AutoRestart = Bool(true)
	base.RateLimit = Float(5)
	base.Timeout = "3s"

	out := base.Merge(AccountConfig{AutoRestart: Bool(false), RateLimit: Float(0), Timeout: "0"})
	assert.False(t, out.RestartsAutomatically())
	assert.Zero(t, out.CallRate())
	assert.Equal(t, DefaultCallTimeout, out.CallTimeout())

	out = base.Merge(AccountConfig{})
	assert.True(t, out.RestartsAutomatically())
	assert.Equal(t, 5.0, out.CallRate())
	assert.True(t, *base.AutoRestart, "merge must not alias the base")
}

func TestValidateAccount(t *testing.T) {
	bad := []AccountConfig{
		{AccountID: "1"},
		{Platform: "a.b", AccountID: "1"},
		{Platform: "mock"},
		{Platform: "mock", AccountID: "1", Timeout: "soon"},
		{Platform: "mock", AccountID: "1", Protocols: []ProtocolConfig{{Name: "x"}}},
		{Platform: "mock", AccountID: "1", Protocols: []ProtocolConfig{{Name: "x", Version: "1"}, {Name: "x", Version: "1"}}},
	}
	for i, a := range bad {
		assert.ErrorIs(t, a.Validate(), errs.ErrConfig, "case %d", i)
	}
	assert.NoError(t, mockAccount("has.dots/and/slashes").Validate())
}

func TestWatchPublishesExternalEdit(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "botgate.json", `{"accounts":[]}`)
	s := NewStore(p)
	_, err := s.Load()
	require.NoError(t, err)
	ch := s.Subscribe(4)
	defer s.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// The store's own write must not be published.
	_, err = s.UpsertAccount(mockAccount("own"))
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("own write was published")
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "botgate.json", `{"accounts":[{"platform":"mock","account_id":"ext","protocols":[]}]}`)
	select {
	case cfg := <-ch:
		require.Len(t, cfg.Accounts, 1)
		assert.Equal(t, "ext", cfg.Accounts[0].AccountID)
	case <-time.After(3 * time.Second):
		t.Fatal("external edit not published")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvUsername, "env-user")
	t.Setenv(EnvPassword, "env-pass")
	got := ServerConfig{Username: "u", Password: "p"}.WithEnv()
	assert.Equal(t, "env-user", got.Username)
	assert.Equal(t, "env-pass", got.Password)
}

func TestValidateGlobalSections(t *testing.T) {
	cases := map[string]func(c *Config){
		"level":      func(c *Config) { c.Logging.Level = "verbose" },
		"format":     func(c *Config) { c.Logging.Format = "xml" },
		"block rate": func(c *Config) { c.Debug.BlockProfileRate = -1 },
		"driver":     func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := &Config{}
			c.ApplyDefaults()
			require.NoError(t, c.Validate())
			mutate(c)
			assert.ErrorIs(t, c.Validate(), errs.ErrConfig)
		})
	}
}
