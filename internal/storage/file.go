package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "tgload/pkg/logx"
)

// fileStore keeps all records in memory and persists them as:
//   - <prefix>.state.json          (snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal of record writes)
//   - <prefix>.audit.jsonl         (append-only audit log)
//
// The journal is compacted into the snapshot every compactEvery writes and on Compact.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	auditFile    *os.File

	chats  map[int64]ChatRecord
	users  map[int64]UserRecord
	writes int
}

const compactEvery = 500

type snapshot struct {
	Chats []ChatRecord `json:"chats"`
	Users []UserRecord `json:"users"`
}

type journalRecord struct {
	Chat *ChatRecord `json:"chat,omitempty"`
	User *UserRecord `json:"user,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".state.json",
		chats:        map[int64]ChatRecord{},
		users:        map[int64]UserRecord{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".state.journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.auditFile = af
	return s, nil
}

func (s *fileStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedChatsLocked(), nil
}

func (s *fileStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedUsersLocked(), nil
}

func (s *fileStore) PutChat(ctx context.Context, r ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Chat: &r}); err != nil {
		return err
	}
	s.chats[r.ChatID] = r
	return s.maybeCompactLocked()
}

func (s *fileStore) PutUser(ctx context.Context, r UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{User: &r}); err != nil {
		return err
	}
	s.users[r.UserID] = r
	return s.maybeCompactLocked()
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) maybeCompactLocked() error {
	s.writes++
	if s.writes%compactEvery != 0 {
		return nil
	}
	// The write itself is already durable in the journal.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("state compact failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Chats: s.sortedChatsLocked(), Users: s.sortedUsersLocked()}
	if err := writeFileAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) sortedChatsLocked() []ChatRecord {
	out := make([]ChatRecord, 0, len(s.chats))
	for _, r := range s.chats {
		r.Features = append([]string(nil), r.Features...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func (s *fileStore) sortedUsersLocked() []UserRecord {
	out := make([]UserRecord, 0, len(s.users))
	for _, r := range s.users {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Chats {
		s.chats[r.ChatID] = r
	}
	for _, r := range snap.Users {
		s.users[r.UserID] = r
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn trailing line after a crash is expected; skip it.
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		if rec.Chat != nil {
			s.chats[rec.Chat.ChatID] = *rec.Chat
		}
		if rec.User != nil {
			s.users[rec.User.UserID] = *rec.User
		}
	}
	return sc.Err()
}

// writeFileAtomic writes v as indented JSON to a temp file in the same
// directory, fsyncs it and renames it over path.
func writeFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
