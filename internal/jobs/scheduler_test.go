package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgload/internal/eventbus"
	"tgload/internal/fetch"
	"tgload/internal/links"
	logx "tgload/pkg/logx"
)

// fakeUnit finishes when release is closed or when killed.
type fakeUnit struct {
	release  chan struct{}
	killed   chan struct{}
	killOnce sync.Once
	art      fetch.Artifact
	err      error
}

func newFakeUnit() *fakeUnit {
	return &fakeUnit{release: make(chan struct{}), killed: make(chan struct{})}
}

func (u *fakeUnit) Wait() (fetch.Artifact, error) {
	select {
	case <-u.release:
		return u.art, u.err
	case <-u.killed:
		return fetch.Artifact{}, errors.New("killed")
	}
}

func (u *fakeUnit) Kill() error {
	u.killOnce.Do(func() { close(u.killed) })
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	order   []string
	units   map[string]*fakeUnit
	active  atomic.Int64
	maxSeen atomic.Int64
	launch  func(j Job) (*fakeUnit, error)
}

func (l *fakeLauncher) Launch(ctx context.Context, j Job) (Unit, error) {
	u, err := l.launch(j)
	if err != nil {
		return nil, err
	}
	n := l.active.Add(1)
	for {
		m := l.maxSeen.Load()
		if n <= m || l.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	l.mu.Lock()
	l.order = append(l.order, j.Link.ID)
	if l.units == nil {
		l.units = map[string]*fakeUnit{}
	}
	l.units[j.Link.ID] = u
	l.mu.Unlock()
	return &countingUnit{fakeUnit: u, l: l}, nil
}

type countingUnit struct {
	*fakeUnit
	l    *fakeLauncher
	once sync.Once
}

func (c *countingUnit) Wait() (fetch.Artifact, error) {
	art, err := c.fakeUnit.Wait()
	c.once.Do(func() { c.l.active.Add(-1) })
	return art, err
}

func (l *fakeLauncher) unit(id string) *fakeUnit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.units[id]
}

func (l *fakeLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func job(id string, out chan<- Outcome) Job {
	return Job{
		Link:      links.Descriptor{Platform: links.YouTube, Type: links.TypeShorts, ID: id, CanonicalURL: "https://www.youtube.com/shorts/" + id},
		ChatID:    1,
		OnOutcome: func(o Outcome) { out <- o },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newScheduler(t *testing.T, cfg Config, l Launcher, bus eventbus.Publisher) *Scheduler {
	t.Helper()
	s := New(cfg, l, bus, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestSchedulerBoundsConcurrencyAndKeepsFIFO(t *testing.T) {
	l := &fakeLauncher{launch: func(Job) (*fakeUnit, error) { return newFakeUnit(), nil }}
	s := newScheduler(t, Config{MaxConcurrent: 2, JobTimeout: time.Minute}, l, nil)

	out := make(chan Outcome, 10)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		if _, err := s.Submit(job(id, out)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	waitFor(t, "two running", func() bool { return len(l.launched()) == 2 })
	if snap := s.Snapshot(); snap.Running != 2 || snap.Queued != 3 {
		t.Fatalf("snapshot running=%d queued=%d", snap.Running, snap.Queued)
	}

	for i := 0; i < len(ids); i++ {
		waitFor(t, "next launch", func() bool { return len(l.launched()) > i })
		close(l.unit(l.launched()[i]).release)
		<-out
	}

	if got := l.launched(); len(got) != 5 || got[0] != "a" || got[2] != "c" || got[4] != "e" {
		t.Fatalf("launch order = %v", got)
	}
	if m := l.maxSeen.Load(); m > 2 {
		t.Fatalf("max concurrent = %d, want <= 2", m)
	}
	snap := s.Snapshot()
	if snap.Succeeded != 5 || snap.Peak != 2 || len(snap.History) != 5 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSchedulerTimeoutKillsUnit(t *testing.T) {
	l := &fakeLauncher{launch: func(Job) (*fakeUnit, error) { return newFakeUnit(), nil }}
	s := newScheduler(t, Config{MaxConcurrent: 1, JobTimeout: 50 * time.Millisecond, KillGrace: time.Second}, l, nil)

	out := make(chan Outcome, 1)
	if _, err := s.Submit(job("slow", out)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case o := <-out:
		if o.Status != StatusTimedOut {
			t.Fatalf("status = %v, err = %v", o.Status, o.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no outcome")
	}
	select {
	case <-l.unit("slow").killed:
	default:
		t.Fatalf("unit was not killed")
	}

	// The slot is free again.
	out2 := make(chan Outcome, 1)
	l.launch = func(Job) (*fakeUnit, error) {
		u := newFakeUnit()
		close(u.release)
		return u, nil
	}
	if _, err := s.Submit(job("fast", out2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o := <-out2; o.Status != StatusSucceeded {
		t.Fatalf("second job status = %v", o.Status)
	}
}

// stuckUnit ignores Kill and never exits on its own.
type stuckUnit struct{ block <-chan struct{} }

func (u stuckUnit) Wait() (fetch.Artifact, error) {
	<-u.block
	return fetch.Artifact{}, errors.New("released")
}

func (stuckUnit) Kill() error { return nil }

func TestSchedulerReleasesSlotOfUnkillableUnit(t *testing.T) {
	block := make(chan struct{})
	var launched atomic.Int64
	l := LauncherFunc(func(context.Context, Job) (Unit, error) {
		launched.Add(1)
		return stuckUnit{block: block}, nil
	})
	cfg := Config{MaxConcurrent: 1, JobTimeout: 50 * time.Millisecond, KillGrace: 50 * time.Millisecond}
	s := newScheduler(t, cfg, l, nil)
	t.Cleanup(func() { close(block) })

	out := make(chan Outcome, 3)
	for _, id := range []string{"x", "y", "z"} {
		if _, err := s.Submit(job(id, out)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case o := <-out:
			if o.Status != StatusTimedOut {
				t.Fatalf("job %s status = %v, err = %v", o.Job.Link.ID, o.Status, o.Err)
			}
			if o.Duration < cfg.JobTimeout+cfg.KillGrace {
				t.Fatalf("job %s finished after %v", o.Job.Link.ID, o.Duration)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("outcome %d never arrived", i)
		}
	}
	if n := launched.Load(); n != 3 {
		t.Fatalf("launched %d, want 3", n)
	}
	waitFor(t, "idle scheduler", func() bool { return s.Snapshot().Running == 0 })
	if snap := s.Snapshot(); snap.TimedOut != 3 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSchedulerLaunchErrorAndPanicFail(t *testing.T) {
	boom := errors.New("launch failed")
	var calls atomic.Int64
	l := &fakeLauncher{launch: func(Job) (*fakeUnit, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		panic("bad launcher")
	}}
	s := newScheduler(t, Config{MaxConcurrent: 1}, l, nil)

	out := make(chan Outcome, 2)
	_, _ = s.Submit(job("x", out))
	_, _ = s.Submit(job("y", out))

	o1, o2 := <-out, <-out
	if o1.Status != StatusFailed || !errors.Is(o1.Err, boom) {
		t.Fatalf("first outcome %+v", o1)
	}
	if o2.Status != StatusFailed || o2.Err == nil {
		t.Fatalf("second outcome %+v", o2)
	}
}

func TestSchedulerStopFailsQueuedAndRejectsNew(t *testing.T) {
	l := &fakeLauncher{launch: func(Job) (*fakeUnit, error) { return newFakeUnit(), nil }}
	s := New(Config{MaxConcurrent: 1, ShutdownGrace: 50 * time.Millisecond, KillGrace: time.Second}, l, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	out := make(chan Outcome, 3)
	_, _ = s.Submit(job("running", out))
	_, _ = s.Submit(job("queued1", out))
	_, _ = s.Submit(job("queued2", out))
	waitFor(t, "first running", func() bool { return len(l.launched()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stopped := 0
	for i := 0; i < 3; i++ {
		o := <-out
		if o.Status != StatusFailed || !errors.Is(o.Err, ErrStopped) {
			t.Fatalf("outcome %+v", o)
		}
		stopped++
	}
	if stopped != 3 {
		t.Fatalf("stopped = %d", stopped)
	}
	if _, err := s.Submit(job("late", out)); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: %v", err)
	}
}

func TestSchedulerPublishesLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "job.")
	defer unsub()

	l := &fakeLauncher{launch: func(Job) (*fakeUnit, error) {
		u := newFakeUnit()
		close(u.release)
		return u, nil
	}}
	s := newScheduler(t, Config{MaxConcurrent: 1}, l, bus)
	out := make(chan Outcome, 1)
	id, err := s.Submit(job("ev", out))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-out

	var types []string
	for len(types) < 3 {
		select {
		case e := <-ch:
			if e.Data.(Event).ID != id {
				t.Fatalf("event for wrong job: %+v", e)
			}
			types = append(types, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	want := []string{"job.queued", "job.started", "job.succeeded"}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
