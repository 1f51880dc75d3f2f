package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"tgload/internal/eventbus"
	logx "tgload/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "0 4 * * *", kind: SpecCron},
		{in: "@daily", kind: SpecCron},
		{in: "@every 30m", kind: SpecInterval, every: 30 * time.Minute},
		{in: "6h", kind: SpecInterval, every: 6 * time.Hour},
		{in: "", bad: true},
		{in: "-1m", bad: true},
		{in: "often", bad: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.bad {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || ps.Kind != tc.kind || ps.Every != tc.every {
			t.Errorf("%q: got %+v, %v", tc.in, ps, err)
		}
	}
}

func TestAddRejectsInvalidCron(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Add("x", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("invalid cron accepted")
	}
}

func TestRunNowRecordsHistoryAndSkipsOverlap(t *testing.T) {
	s := New(Config{HistorySize: 2}, logx.Nop(), nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	if err := s.Add("slow", "1h", 0, func(ctx context.Context) error {
		close(entered)
		<-release
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-entered
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, errSkipped) {
		t.Fatalf("overlapping run: %v", err)
	}
	close(release)
	if err := <-done; err == nil || err.Error() != "boom" {
		t.Fatalf("run: %v", err)
	}

	hist := s.Snapshot().History
	if len(hist) != 2 || !hist[0].Skipped || hist[1].Error != "boom" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRunNowRecoversPanics(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	_ = s.Add("p", "1h", time.Second, func(context.Context) error { panic("bad") })
	if err := s.RunNow(context.Background(), "p"); err == nil {
		t.Fatalf("panic not reported")
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatalf("unknown task ran")
	}
}

func TestStartRegistersAndStopCancels(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	_ = s.Add("a", "@hourly", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("remove")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRunPublishesTaskFinished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "task.")
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	_ = s.Add("janitor", "1h", 0, func(context.Context) error { return nil })
	if err := s.RunNow(context.Background(), "janitor"); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case e := <-events:
		it, ok := e.Data.(HistoryItem)
		if e.Type != "task.finished" || !ok || it.Name != "janitor" || it.Error != "" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no task.finished event")
	}
}

func TestIntervalFirstRunIsJittered(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ps := ParsedSpec{Kind: SpecInterval, Every: time.Minute}
	sched, err := ps.build("janitor", now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first := sched.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(time.Minute+maxFirstRunJitter)) {
		t.Fatalf("first run at %v", first)
	}
	// cron.Every rounds down to whole seconds
	if d := sched.Next(first).Sub(first); d > time.Minute || d <= time.Minute-time.Second {
		t.Fatalf("second run %v after first", d)
	}
}
