package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "tgload/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, enabled, captions, notifications, features, updated_at FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var (
			r                      ChatRecord
			enabled, capt, notif   int
			features, updatedAtRaw string
		)
		if err := rows.Scan(&r.ChatID, &enabled, &capt, &notif, &features, &updatedAtRaw); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.Captions = capt != 0
		r.Notifications = notif != 0
		r.Features = splitFeatures(features)
		r.UpdatedAt = parseTime(updatedAtRaw)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, banned, updated_at FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var (
			r            UserRecord
			banned       int
			updatedAtRaw string
		)
		if err := rows.Scan(&r.UserID, &banned, &updatedAtRaw); err != nil {
			return nil, err
		}
		r.Banned = banned != 0
		r.UpdatedAt = parseTime(updatedAtRaw)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutChat(ctx context.Context, r ChatRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, enabled, captions, notifications, features, updated_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(chat_id) DO UPDATE SET
	enabled=excluded.enabled,
	captions=excluded.captions,
	notifications=excluded.notifications,
	features=excluded.features,
	updated_at=excluded.updated_at`,
		r.ChatID, boolInt(r.Enabled), boolInt(r.Captions), boolInt(r.Notifications),
		strings.Join(r.Features, ","), formatTime(r.UpdatedAt))
	return err
}

func (s *sqliteStore) PutUser(ctx context.Context, r UserRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(user_id, banned, updated_at) VALUES(?,?,?)
ON CONFLICT(user_id) DO UPDATE SET banned=excluded.banned, updated_at=excluded.updated_at`,
		r.UserID, boolInt(r.Banned), formatTime(r.UpdatedAt))
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, ok, fail, err, meta)
VALUES(?,?,?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.ActorID, nullIfEmpty(e.ActorUsername), e.ChatID,
		e.Action, e.Target, e.OK, e.Fail, nullIfEmpty(e.Error), nullIfEmpty(e.MetaJSON))
	return err
}

// Compact checkpoints the WAL back into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func splitFeatures(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
