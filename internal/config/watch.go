package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"botgate/pkg/logx"
)

const (
	watchDebounce = 250 * time.Millisecond
	watchRetryMin = 500 * time.Millisecond
	watchRetryMax = 10 * time.Second
	validateLimit = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher closed")

// Watch follows edits made to the backing file by other processes until
// ctx is done. A changed document that parses and passes the validator is
// committed and published; anything identical to the last commit,
// including the store's own saves, is dropped.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	retry := watchRetryMin
	for {
		armed, err := s.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if armed {
			retry = watchRetryMin
		}
		s.log.Warn("config watcher stopped",
			logx.String("path", s.path), logx.Err(err), logx.Duration("retry_in", retry))
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		retry = min(retry*2, watchRetryMax)
	}
}

// watchOnce runs one fsnotify watcher. armed reports whether the watch was
// established before it failed.
func (s *Store) watchOnce(ctx context.Context) (armed bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	// Editors save by rename, which would drop a watch on the file itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return false, err
	}
	name := filepath.Base(s.path)
	s.log.Debug("config watcher armed", logx.String("path", s.path))

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				settle = time.After(watchDebounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were lost; re-read to be safe.
				settle = time.After(watchDebounce)
				continue
			}
			s.log.Warn("config watch error", logx.String("path", s.path), logx.Err(werr))
		case <-settle:
			settle = nil
			s.syncFromDisk(ctx)
		}
	}
}

// syncFromDisk commits the file's current content if it differs from the
// last commit.
func (s *Store) syncFromDisk(ctx context.Context) {
	log := s.log.With(logx.String("path", s.path))
	cfg, err := s.Parse()
	if err != nil {
		log.Warn("config edit ignored", logx.Err(err))
		return
	}

	sum := hashConfig(cfg)
	s.mu.RLock()
	same := sum != 0 && sum == s.lastHash
	s.mu.RUnlock()
	if same {
		return
	}

	if s.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateLimit)
		err = s.validator(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config edit rejected", logx.Err(err))
			return
		}
	}

	s.mu.Lock()
	s.commit(cfg)
	s.mu.Unlock()
	s.publish(cfg)
	log.Info("config edit applied")
}
