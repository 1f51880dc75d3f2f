package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	chats  map[int64]ChatRecord
	users  map[int64]UserRecord
	audit  []AuditEntry
	closed bool

	// FailPuts makes every Put return the given error when non-nil.
	FailPuts error
}

func NewMemory() *Memory {
	return &Memory{chats: map[int64]ChatRecord{}, users: map[int64]UserRecord{}}
}

func (m *Memory) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRecord, 0, len(m.chats))
	for _, r := range m.chats {
		r.Features = append([]string(nil), r.Features...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *Memory) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UserRecord, 0, len(m.users))
	for _, r := range m.users {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) PutChat(ctx context.Context, r ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailPuts != nil {
		return m.FailPuts
	}
	r.Features = append([]string(nil), r.Features...)
	m.chats[r.ChatID] = r
	return nil
}

func (m *Memory) PutUser(ctx context.Context, r UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailPuts != nil {
		return m.FailPuts
	}
	m.users[r.UserID] = r
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Compact(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
