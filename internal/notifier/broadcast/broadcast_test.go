package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"tgload/internal/access"
	"tgload/internal/state"
	kit "tgload/internal/transport"
	logx "tgload/pkg/logx"
)

type fakeChats struct {
	chats []state.ChatState
	err   error
}

func (f fakeChats) Chats(ctx context.Context) ([]state.ChatState, error) { return f.chats, f.err }

type fakeSender struct {
	mu       sync.Mutex
	sent     []int64
	attempts map[int64]int
	// failFirst makes the first n attempts for a chat fail.
	failFirst map[int64]int
	block     chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[int64]int{}
	}
	f.attempts[to.ChatID]++
	if f.attempts[to.ChatID] <= f.failFirst[to.ChatID] {
		return kit.MessageRef{}, errors.New("429")
	}
	f.sent = append(f.sent, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func chats() fakeChats {
	return fakeChats{chats: []state.ChatState{
		{ChatID: 1, Enabled: true, Notifications: true},
		{ChatID: 2, Enabled: true},
		{ChatID: 3, Enabled: false, Notifications: true},
		{ChatID: 4, Enabled: true, Notifications: true},
	}}
}

func waitReport(t *testing.T, ch <-chan Report) Report {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for report")
		return Report{}
	}
}

func TestBroadcastSubscribersOnly(t *testing.T) {
	snd := &fakeSender{}
	s := New(Config{Workers: 2, RatePerSec: 1000}, chats(), snd, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	got := make(chan Report, 1)
	n, err := s.Broadcast(context.Background(), Request{Content: "hi", Scope: access.ScopeSubscribers, IssuedBy: 9}, func(r Report) { got <- r })
	if err != nil || n != 3 {
		t.Fatalf("broadcast = %d, %v", n, err)
	}
	r := waitReport(t, got)
	if r.Total != 3 || r.Sent != 3 || r.Failed != 0 {
		t.Fatalf("report = %+v", r)
	}
	snd.mu.Lock()
	sent := append([]int64(nil), snd.sent...)
	snd.mu.Unlock()
	sort.Slice(sent, func(i, j int) bool { return sent[i] < sent[j] })
	if len(sent) != 3 || sent[0] != 1 || sent[1] != 3 || sent[2] != 4 {
		t.Fatalf("sent to %v", sent)
	}
	if rec := s.Recent(); len(rec) != 1 || rec[0].ID != r.ID {
		t.Fatalf("recent = %+v", rec)
	}
}

func TestBroadcastAllSkipsDisabledChats(t *testing.T) {
	s := New(Config{Workers: 1, RatePerSec: 1000}, chats(), &fakeSender{}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	got := make(chan Report, 1)
	n, err := s.Broadcast(context.Background(), Request{Content: "hi", Scope: access.ScopeAll}, func(r Report) { got <- r })
	if err != nil || n != 3 {
		t.Fatalf("broadcast = %d, %v", n, err)
	}
	if r := waitReport(t, got); r.Sent != 3 {
		t.Fatalf("report = %+v", r)
	}
}

func TestBroadcastRetriesThenCountsFailures(t *testing.T) {
	snd := &fakeSender{failFirst: map[int64]int{1: 1, 4: 10}}
	s := New(Config{Workers: 2, RatePerSec: 1000, RetryMax: 1}, chats(), snd, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	got := make(chan Report, 1)
	if _, err := s.Broadcast(context.Background(), Request{Content: "hi", Scope: access.ScopeSubscribers}, func(r Report) { got <- r }); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	r := waitReport(t, got)
	if r.Sent != 1 || r.Failed != 1 || len(r.Failures) != 1 || r.Failures[0] != 4 {
		t.Fatalf("report = %+v", r)
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if snd.attempts[4] != 2 {
		t.Fatalf("attempts for failing chat = %d, want 2", snd.attempts[4])
	}
}

func TestBroadcastRejects(t *testing.T) {
	s := New(Config{}, fakeChats{}, &fakeSender{}, logx.Nop())
	if _, err := s.Broadcast(context.Background(), Request{Content: " ", Scope: access.ScopeAll}, nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty: %v", err)
	}
	if _, err := s.Broadcast(context.Background(), Request{Content: "x", Scope: access.ScopeAll}, nil); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("no targets: %v", err)
	}
	s = New(Config{}, chats(), &fakeSender{}, logx.Nop())
	if _, err := s.Broadcast(context.Background(), Request{Content: "x", Scope: access.ScopeAll}, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("not running: %v", err)
	}
}

func TestStopReportsUnreachedTargetsAsFailed(t *testing.T) {
	snd := &fakeSender{block: make(chan struct{})}
	s := New(Config{Workers: 1, RatePerSec: 1000}, chats(), snd, logx.Nop())
	s.Start(context.Background())

	got := make(chan Report, 1)
	if _, err := s.Broadcast(context.Background(), Request{Content: "hi", Scope: access.ScopeAll}, func(r Report) { got <- r }); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	r := waitReport(t, got)
	if r.Total != 3 || r.Sent != 0 || r.Failed != 3 {
		t.Fatalf("report = %+v", r)
	}
}
