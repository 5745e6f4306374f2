package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

// Store is the single in-memory owner of the configuration document.
//
// Account mutations are transactional: the change is applied in memory,
// the whole document is written to disk, and on a write failure the
// in-memory state is rolled back before the error is returned. Mutators
// return the previous value so callers can undo a change when a later step
// of their own fails.
type Store struct {
	path   string
	format Format

	mu       sync.RWMutex
	cfg      *Config
	index    map[AccountKey]int
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// writeFile is swapped in tests to simulate disk failures.
	writeFile func(path string, data []byte) error
}

// NewStore returns a store backed by path. An empty path keeps the
// document in memory only.
func NewStore(path string) *Store {
	s := &Store{
		path:      path,
		format:    FormatOf(path),
		writeFile: writeFileAtomic,
	}
	empty := &Config{}
	empty.ApplyDefaults()
	s.commit(empty)
	return s
}

// NewMemoryStore returns an unpersisted store seeded with cfg.
func NewMemoryStore(cfg *Config) (*Store, error) {
	s := NewStore("")
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.commit(cfg)
	return s, nil
}

func (s *Store) SetLogger(log logx.Logger) { s.log = log }

// SetValidator installs a hook run by Watch before an external edit is
// committed.
func (s *Store) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	s.validator = fn
}

func (s *Store) Path() string { return s.path }

// Parse reads, decodes, defaults and validates the file without committing.
func (s *Store) Parse() (*Config, error) {
	if s.path == "" {
		return nil, errs.Config("", "store has no backing file")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(s.format, b)
	if err != nil {
		return nil, errs.Config(filepath.Base(s.path), "%v", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses the file and commits it.
func (s *Store) Load() (*Config, error) {
	cfg, err := s.Parse()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.commit(cfg)
	s.mu.Unlock()
	return cfg.Clone(), nil
}

// commit installs cfg and rebuilds the index. Callers hold mu, except
// during construction.
func (s *Store) commit(cfg *Config) {
	s.cfg = cfg
	s.index = make(map[AccountKey]int, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		s.index[a.Key()] = i
	}
	s.lastHash = hashConfig(cfg)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Get returns a deep copy of the current document.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

func (s *Store) Account(key AccountKey) (AccountConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return AccountConfig{}, false
	}
	return s.cfg.Accounts[i].Clone(), true
}

// Accounts returns copies of every account, sorted by key.
func (s *Store) Accounts() []AccountConfig {
	s.mu.RLock()
	out := make([]AccountConfig, 0, len(s.cfg.Accounts))
	for _, a := range s.cfg.Accounts {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()
	sortAccounts(out)
	return out
}

func sortAccounts(a []AccountConfig) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Platform != a[j].Platform {
			return a[i].Platform < a[j].Platform
		}
		return a[i].AccountID < a[j].AccountID
	})
}

// UpsertAccount inserts or replaces an account and persists the document.
// prev is the replaced value, or nil for an insert.
func (s *Store) UpsertAccount(ac AccountConfig) (prev *AccountConfig, err error) {
	return s.putAccount(ac, true)
}

// InsertAccount is UpsertAccount that fails with a ConfigError when the key
// already exists.
func (s *Store) InsertAccount(ac AccountConfig) error {
	_, err := s.putAccount(ac, false)
	return err
}

// putAccount checks for an existing key under the same lock that writes,
// so concurrent inserts of one key cannot both succeed.
func (s *Store) putAccount(ac AccountConfig, replace bool) (prev *AccountConfig, err error) {
	ac = ac.Clone()
	ac.normalize()
	if err := ac.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.cfg
	next := before.Clone()
	if i, ok := s.index[ac.Key()]; ok {
		if !replace {
			return nil, errs.Config("account", "%s already exists", ac.Key())
		}
		p := before.Accounts[i].Clone()
		prev = &p
		next.Accounts[i] = ac
	} else {
		next.Accounts = append(next.Accounts, ac)
	}
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	return prev, nil
}

// RemoveAccount deletes an account and persists the document.
func (s *Store) RemoveAccount(key AccountKey) (AccountConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[key]
	if !ok {
		return AccountConfig{}, errs.NotFound("account %s", key)
	}
	prev := s.cfg.Accounts[i].Clone()
	next := s.cfg.Clone()
	next.Accounts = append(next.Accounts[:i], next.Accounts[i+1:]...)
	if err := s.persistLocked(next); err != nil {
		return AccountConfig{}, err
	}
	return prev, nil
}

// Restore undoes a mutation: prev nil removes key, otherwise prev is
// written back.
func (s *Store) Restore(key AccountKey, prev *AccountConfig) error {
	if prev == nil {
		_, err := s.RemoveAccount(key)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := s.UpsertAccount(*prev)
	return err
}

// Replace swaps the whole document and persists it. It returns the
// previous document.
func (s *Store) Replace(cfg *Config) (*Config, error) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	if err := s.persistLocked(cfg); err != nil {
		return nil, err
	}
	return prev.Clone(), nil
}

// Save rewrites the current document.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(s.cfg)
}

// persistLocked writes next and commits it. On failure nothing changes in
// memory.
func (s *Store) persistLocked(next *Config) error {
	if s.path != "" {
		b, err := Encode(s.format, next)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := s.writeFile(s.path, b); err != nil {
			s.log.Warn("config persist failed; rolled back", logx.String("path", s.path), logx.Err(err))
			return fmt.Errorf("persist config: %w", err)
		}
	}
	s.commit(next)
	return nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path, so readers see either the old or the new document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *Store) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, c := range s.subs {
		if c == ch {
			last := len(s.subs) - 1
			s.subs[i] = s.subs[last]
			s.subs[last] = nil
			s.subs = s.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers the newest document to every subscriber, dropping the
// oldest queued one for slow subscribers.
func (s *Store) publish(cfg *Config) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- cfg.Clone():
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg.Clone():
		default:
			s.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}
