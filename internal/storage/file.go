package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

// fileStore holds the index and the audit tail in memory and journals every
// change next to cfg.Path:
//
//	<name>.ids.jsonl    message id mappings
//	<name>.audit.jsonl  audit entries
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	ids    idIndex
	recent auditRing
	idLog  *journal[idRecord]
	audLog *journal[AuditEntry]
}

type idRecord struct {
	Scope      string `json:"scope"`
	PlatformID string `json:"pid"`
	ID         int32  `json:"id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errs.Config("storage.path", "required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(path, filepath.Ext(path))

	s := &fileStore{log: log, ids: idIndex{}, recent: auditRing{max: memoryAuditCap}}
	var good, bad int
	var err error

	s.idLog, good, bad, err = openJournal(stem+".ids.jsonl", func(r idRecord) {
		if r.Scope != "" && r.PlatformID != "" && r.ID > 0 {
			s.ids.put(r.Scope, r.PlatformID, r.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	log.Debug("message ids replayed", logx.Int("records", good), logx.Int("skipped", bad))

	s.audLog, _, bad, err = openJournal(stem+".audit.jsonl", s.recent.push)
	if err != nil {
		_ = s.idLog.close()
		return nil, err
	}
	if bad > 0 {
		log.Warn("audit journal has unreadable lines", logx.Int("skipped", bad))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.idLog.close(), s.audLog.close())
}

func (s *fileStore) InternMessageID(_ context.Context, scope, platformID string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idLog.f == nil {
		return 0, ErrClosed
	}
	id, fresh := s.ids.intern(scope, platformID)
	if fresh {
		if err := s.idLog.append(idRecord{Scope: scope, PlatformID: platformID, ID: id}); err != nil {
			// Still valid until restart.
			s.log.Warn("message id journal write failed", logx.Err(err))
		}
	}
	return id, nil
}

func (s *fileStore) ResolveMessageID(_ context.Context, scope string, id int32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.lookup(scope, id)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	e = stamp(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.audLog.append(e); err != nil {
		return err
	}
	s.recent.push(e)
	return nil
}

func (s *fileStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.newest(limit), nil
}
