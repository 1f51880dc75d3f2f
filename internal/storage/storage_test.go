package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "tgload/pkg/logx"
)

func openForTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

func TestFileStoreReplaysJournalAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.json")

	st := openForTest(t, "file", path)
	now := time.Now().UTC().Truncate(time.Second)
	if err := st.PutChat(ctx, ChatRecord{ChatID: -100, Enabled: true, Captions: true, Features: []string{"inst"}, UpdatedAt: now}); err != nil {
		t.Fatalf("put chat: %v", err)
	}
	if err := st.PutUser(ctx, UserRecord{UserID: 7, Banned: true, UpdatedAt: now}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := st.PutChat(ctx, ChatRecord{ChatID: -100, Enabled: false, Captions: true, Features: []string{"inst", "ytm"}, UpdatedAt: now}); err != nil {
		t.Fatalf("put chat again: %v", err)
	}

	// Simulate a crash: no Close, so nothing is compacted.
	fs := st.(*fileStore)
	_ = fs.journal.Close()
	_ = fs.auditFile.Close()

	st2 := openForTest(t, "file", path)
	t.Cleanup(func() { _ = st2.Close() })

	chats, err := st2.LoadChats(ctx)
	if err != nil {
		t.Fatalf("load chats: %v", err)
	}
	if len(chats) != 1 || chats[0].Enabled || !reflect.DeepEqual(chats[0].Features, []string{"inst", "ytm"}) {
		t.Fatalf("unexpected chats %+v", chats)
	}
	users, err := st2.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(users) != 1 || !users[0].Banned {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestFileStoreCompactTruncatesJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.json")

	st := openForTest(t, "file", path)
	for i := int64(1); i <= 5; i++ {
		if err := st.PutUser(ctx, UserRecord{UserID: i}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := st.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, "bot.state.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size = %d after compact", fi.Size())
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2 := openForTest(t, "file", path)
	t.Cleanup(func() { _ = st2.Close() })
	users, _ := st2.LoadUsers(ctx)
	if len(users) != 5 {
		t.Fatalf("users after reopen = %d, want 5", len(users))
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	journal := filepath.Join(dir, "bot.state.journal.jsonl")
	data := `{"user":{"user_id":1,"banned":true,"updated_at":"2025-01-01T00:00:00Z"}}` + "\n" + `{"user":{"user_id":2,"ban`
	if err := os.WriteFile(journal, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := openForTest(t, "file", filepath.Join(dir, "bot.json"))
	t.Cleanup(func() { _ = st.Close() })
	users, _ := st.LoadUsers(ctx)
	if len(users) != 1 || users[0].UserID != 1 {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openForTest(t, "sqlite", filepath.Join(t.TempDir(), "bot.db"))
	t.Cleanup(func() { _ = st.Close() })

	if err := st.PutChat(ctx, ChatRecord{ChatID: 42, Enabled: true, Notifications: true, Features: []string{"yt", "ytm"}}); err != nil {
		t.Fatalf("put chat: %v", err)
	}
	if err := st.PutChat(ctx, ChatRecord{ChatID: 42, Enabled: true, Captions: true, Features: nil}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	if err := st.PutUser(ctx, UserRecord{UserID: 9, Banned: true}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 42, Action: "ban", Target: "9", OK: 1}); err != nil {
		t.Fatalf("audit: %v", err)
	}

	chats, err := st.LoadChats(ctx)
	if err != nil {
		t.Fatalf("load chats: %v", err)
	}
	if len(chats) != 1 || !chats[0].Captions || chats[0].Notifications || len(chats[0].Features) != 0 {
		t.Fatalf("unexpected chats %+v", chats)
	}
	if chats[0].UpdatedAt.IsZero() {
		t.Fatalf("updated_at not stored")
	}
	users, err := st.LoadUsers(ctx)
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(users) != 1 || !users[0].Banned {
		t.Fatalf("unexpected users %+v", users)
	}
	if err := st.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
