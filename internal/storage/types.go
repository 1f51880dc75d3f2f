package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChatRecord is the persisted form of a chat's flags.
type ChatRecord struct {
	ChatID        int64     `json:"chat_id"`
	Enabled       bool      `json:"enabled"`
	Captions      bool      `json:"captions"`
	Notifications bool      `json:"notifications"`
	Features      []string  `json:"features"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserRecord is the persisted form of a user's flags.
type UserRecord struct {
	UserID    int64     `json:"user_id"`
	Banned    bool      `json:"banned"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records an admin action. Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	OK            int       `json:"ok"`
	Fail          int       `json:"fail"`
	Error         string    `json:"error,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}

// Store is the key-value persistence contract used by the state layer.
//
// Put* calls replace the whole record. Implementations must be safe for
// concurrent use.
type Store interface {
	LoadChats(ctx context.Context) ([]ChatRecord, error)
	LoadUsers(ctx context.Context) ([]UserRecord, error)
	PutChat(ctx context.Context, r ChatRecord) error
	PutUser(ctx context.Context, r UserRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// Compact folds incremental writes into a compact form (no-op where not applicable).
	Compact(ctx context.Context) error
	Close() error
}
