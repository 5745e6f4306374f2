package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, nothing survives a restart
//   - "file": JSON Lines journals next to Path
//   - "sqlite": SQLite database file at Path
//
// An empty driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the application and protocols.
type Store interface {
	// InternMessageID returns the stable id for platformID within scope,
	// allocating one on first use. Ids are positive.
	InternMessageID(ctx context.Context, scope, platformID string) (int32, error)
	// ResolveMessageID maps an interned id back. Unknown ids are
	// errs.ErrNotFound.
	ResolveMessageID(ctx context.Context, scope string, id int32) (string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

// AuditEntry records one account mutation.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	Platform  string    `json:"platform"`
	AccountID string    `json:"account_id"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
