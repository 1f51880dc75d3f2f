// Package state holds per-chat and per-user flags in memory, backed by a
// storage.Store. Mutations of one chat (or user) are serialized by a lock
// keyed on its ID; unrelated entities never contend.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tgload/internal/links"
	"tgload/internal/storage"
	logx "tgload/pkg/logx"
)

var ErrClosed = errors.New("state store closed")

// ChatState is the view of one chat's flags.
type ChatState struct {
	ChatID        int64
	Enabled       bool
	Captions      bool
	Notifications bool
	Features      []links.Feature
	// Known is false for chats that were never written.
	Known bool
}

func (c ChatState) HasFeature(f links.Feature) bool {
	for _, x := range c.Features {
		if x == f {
			return true
		}
	}
	return false
}

// SetFeature adds or removes f, keeping Features sorted and unique.
func (c *ChatState) SetFeature(f links.Feature, on bool) {
	out := make([]links.Feature, 0, len(c.Features)+1)
	for _, x := range c.Features {
		if x != f {
			out = append(out, x)
		}
	}
	if on {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	c.Features = out
}

func (c ChatState) clone() ChatState {
	c.Features = append([]links.Feature(nil), c.Features...)
	return c
}

type UserState struct {
	UserID int64
	Banned bool
}

// Store is the process-wide state cache.
type Store struct {
	backend storage.Store
	log     logx.Logger
	now     func() time.Time

	mu       sync.RWMutex
	chats    map[int64]ChatState
	users    map[int64]UserState
	defaults []links.Feature
	closed   bool

	chatLocks keyedMutex
	userLocks keyedMutex
}

// Open loads every record from backend. defaults seeds the feature set of
// chats that have never been written.
func Open(ctx context.Context, backend storage.Store, defaults []links.Feature, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		backend: backend,
		log:     log.With(logx.String("comp", "state")),
		now:     time.Now,
		chats:   map[int64]ChatState{},
		users:   map[int64]UserState{},
	}
	s.SetDefaultFeatures(defaults)

	chats, err := backend.LoadChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	for _, r := range chats {
		s.chats[r.ChatID] = fromChatRecord(r)
	}
	users, err := backend.LoadUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, r := range users {
		s.users[r.UserID] = UserState{UserID: r.UserID, Banned: r.Banned}
	}
	s.log.Info("state loaded", logx.Int("chats", len(chats)), logx.Int("users", len(users)))
	return s, nil
}

// SetDefaultFeatures replaces the feature set used for unknown chats.
func (s *Store) SetDefaultFeatures(fs []links.Feature) {
	cp := append([]links.Feature(nil), fs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	s.mu.Lock()
	s.defaults = cp
	s.mu.Unlock()
}

// Chat returns the committed state of a chat, or the defaults when unknown.
func (s *Store) Chat(ctx context.Context, chatID int64) (ChatState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ChatState{}, ErrClosed
	}
	return s.chatLocked(chatID), nil
}

func (s *Store) chatLocked(chatID int64) ChatState {
	if c, ok := s.chats[chatID]; ok {
		return c.clone()
	}
	return ChatState{
		ChatID:   chatID,
		Captions: true,
		Features: append([]links.Feature(nil), s.defaults...),
	}
}

func (s *Store) User(ctx context.Context, userID int64) (UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return UserState{}, ErrClosed
	}
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	return UserState{UserID: userID}, nil
}

// Chats returns every known chat ordered by ID.
func (s *Store) Chats(ctx context.Context) ([]ChatState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]ChatState, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

// Counts reports known chats, enabled chats and banned users.
func (s *Store) Counts() (chats, enabled, banned int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chats {
		chats++
		if c.Enabled {
			enabled++
		}
	}
	for _, u := range s.users {
		if u.Banned {
			banned++
		}
	}
	return
}

// UpdateChat applies fn to a copy of the chat's state under the chat's lock,
// persists the result and then commits it. If fn or the write fails the
// committed state is left untouched.
func (s *Store) UpdateChat(ctx context.Context, chatID int64, fn func(*ChatState) error) (prev, next ChatState, err error) {
	unlock := s.chatLocks.lock(chatID)
	defer unlock()

	prev, err = s.Chat(ctx, chatID)
	if err != nil {
		return prev, prev, err
	}
	next = prev.clone()
	if err := fn(&next); err != nil {
		return prev, prev, err
	}
	next.ChatID = chatID
	next.Known = true

	if err := s.backend.PutChat(ctx, toChatRecord(next, s.now())); err != nil {
		s.log.Warn("persist chat failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return prev, prev, fmt.Errorf("persist chat %d: %w", chatID, err)
	}

	s.mu.Lock()
	s.chats[chatID] = next.clone()
	s.mu.Unlock()
	return prev, next, nil
}

func (s *Store) UpdateUser(ctx context.Context, userID int64, fn func(*UserState) error) (prev, next UserState, err error) {
	unlock := s.userLocks.lock(userID)
	defer unlock()

	prev, err = s.User(ctx, userID)
	if err != nil {
		return prev, prev, err
	}
	next = prev
	if err := fn(&next); err != nil {
		return prev, prev, err
	}
	next.UserID = userID

	rec := storage.UserRecord{UserID: userID, Banned: next.Banned, UpdatedAt: s.now()}
	if err := s.backend.PutUser(ctx, rec); err != nil {
		s.log.Warn("persist user failed", logx.Int64("user_id", userID), logx.Err(err))
		return prev, prev, fmt.Errorf("persist user %d: %w", userID, err)
	}

	s.mu.Lock()
	s.users[userID] = next
	s.mu.Unlock()
	return prev, next, nil
}

// Audit appends an admin action. Failures are logged, not returned to the caller's flow.
func (s *Store) Audit(ctx context.Context, e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.backend.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (s *Store) Compact(ctx context.Context) error {
	return s.backend.Compact(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.backend.Close()
}

func fromChatRecord(r storage.ChatRecord) ChatState {
	c := ChatState{
		ChatID:        r.ChatID,
		Enabled:       r.Enabled,
		Captions:      r.Captions,
		Notifications: r.Notifications,
		Known:         true,
	}
	for _, tag := range r.Features {
		if f, ok := links.ParseFeature(tag); ok {
			c.SetFeature(f, true)
		}
	}
	if c.Features == nil {
		c.Features = []links.Feature{}
	}
	return c
}

func toChatRecord(c ChatState, now time.Time) storage.ChatRecord {
	tags := make([]string, 0, len(c.Features))
	for _, f := range c.Features {
		tags = append(tags, string(f))
	}
	return storage.ChatRecord{
		ChatID:        c.ChatID,
		Enabled:       c.Enabled,
		Captions:      c.Captions,
		Notifications: c.Notifications,
		Features:      tags,
		UpdatedAt:     now,
	}
}
