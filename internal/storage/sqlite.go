package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

const schemaVersion = 1

const (
	qFindID    = `SELECT id FROM message_ids WHERE scope = ? AND platform_id = ?`
	qClaimID   = `INSERT INTO message_ids(scope, id, platform_id, created_at) VALUES(?,?,?,?) ON CONFLICT DO NOTHING`
	qResolveID = `SELECT platform_id FROM message_ids WHERE scope = ? AND id = ?`
	qAddAudit  = `INSERT INTO audit(at, actor, action, platform, account_id, ok, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`
	qAudit     = `SELECT at, actor, action, platform, account_id, ok, err, took_ms FROM audit ORDER BY seq DESC LIMIT ?`
)

type sqliteStore struct {
	db *sql.DB
}

// sqliteDSN sets the pragmas on every connection the pool opens.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errs.Config("storage.path", "required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// One writer at a time; the busy timeout covers other processes.
	db.SetMaxOpenConns(1)

	from, err := migrate(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite %s: %w", path, err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path), logx.Int("schema_from", from), logx.Int("schema", schemaVersion))
	return &sqliteStore{db: db}, nil
}

// migrate brings the schema to schemaVersion and returns the version found.
func migrate(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, err
	}
	if v > schemaVersion {
		return v, fmt.Errorf("schema version %d is newer than this build (%d)", v, schemaVersion)
	}
	if v == schemaVersion {
		return v, nil
	}
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		return v, err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return v, err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InternMessageID(ctx context.Context, scope, platformID string) (id int32, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, closedErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, qFindID, scope, platformID).Scan(&id)
	if err == nil {
		return id, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	created := time.Now().UnixMilli()
	for id = candidateID(scope, platformID); ; id = nextID(id) {
		res, err := tx.ExecContext(ctx, qClaimID, scope, id, platformID, created)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			break
		}
	}
	return id, tx.Commit()
}

func (s *sqliteStore) ResolveMessageID(ctx context.Context, scope string, id int32) (string, error) {
	var p string
	err := s.db.QueryRowContext(ctx, qResolveID, scope, id).Scan(&p)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", errs.NotFound("message %d in %s", id, scope)
	case err != nil:
		return "", closedErr(err)
	}
	return p, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e = stamp(e)
	_, err := s.db.ExecContext(ctx, qAddAudit,
		e.At.UTC().Format(time.RFC3339Nano), optional(e.Actor), e.Action, e.Platform, e.AccountID,
		e.OK, optional(e.Error), e.TookMS,
	)
	return closedErr(err)
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = memoryAuditCap
	}
	rows, err := s.db.QueryContext(ctx, qAudit, limit)
	if err != nil {
		return nil, closedErr(err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var (
			e          AuditEntry
			at         string
			actor, msg sql.NullString
		)
		if err := rows.Scan(&at, &actor, &e.Action, &e.Platform, &e.AccountID, &e.OK, &msg, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Actor, e.Error = actor.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func optional(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}

func closedErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) || (err != nil && strings.Contains(err.Error(), "database is closed")) {
		return ErrClosed
	}
	return err
}
