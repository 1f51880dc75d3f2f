// Package scheduler triggers housekeeping tasks on cron or interval
// schedules. A trigger that fires while the previous run of the same task
// is still in flight is skipped and recorded as such.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tgload/internal/eventbus"
	logx "tgload/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name; empty means the local zone.
	Timezone    string
	HistorySize int
}

// Task is one unit of scheduled work.
type Task func(ctx context.Context) error

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
	Skipped  bool
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
	History   []HistoryItem
}

type entry struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	task    Task
	busy    atomic.Bool
	id      cron.EntryID
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Publisher

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	cron    *cron.Cron
	loc     *time.Location
	runCtx  context.Context
	stopRun context.CancelFunc

	histMu  sync.Mutex
	history []HistoryItem
}

const defaultHistorySize = 50

func New(cfg Config, log logx.Logger, bus eventbus.Publisher) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		entries: map[string]*entry{},
		loc:     time.Local,
	}
}

// Add registers task under name, replacing an existing one. A zero timeout
// lets the task run until it returns or the service stops.
func (s *Service) Add(name, schedule string, timeout time.Duration, task Task) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("schedule name required")
	case task == nil:
		return fmt.Errorf("schedule %s: task required", name)
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if spec.Kind == SpecCron {
		if _, err := cronParser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	e := &entry{name: name, spec: spec, timeout: timeout, task: task}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	s.entries[name] = e
	s.order = append(s.order, name)
	if s.cron != nil {
		return s.armLocked(e)
	}
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked(name)
}

func (s *Service) dropLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.cron != nil && e.id != 0 {
		s.cron.Remove(e.id)
	}
	delete(s.entries, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	return true
}

func (s *Service) armLocked(e *entry) error {
	sched, err := e.spec.build(e.name, time.Now().In(s.loc))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.name, err)
	}
	ctx := s.runCtx
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { _ = s.run(ctx, e) }))
	s.log.Debug("schedule armed", logx.String("name", e.name), logx.String("spec", e.spec.String()))
	return nil
}

// Start begins triggering. Calling it again is a no-op. Runs outlive a
// cancellation of ctx until Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.loc = s.location()
	s.runCtx, s.stopRun = context.WithCancel(context.WithoutCancel(ctx))
	s.cron = cron.New(cron.WithLocation(s.loc))
	for _, name := range s.order {
		if err := s.armLocked(s.entries[name]); err != nil {
			s.log.Error("schedule not armed", logx.String("name", name), logx.Err(err))
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.order)))
}

// Stop halts triggering, cancels running tasks and waits for them until
// ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, stop := s.cron, s.stopRun
	s.cron, s.stopRun = nil, nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	began := time.Now()
	stop()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(began)))
}

// RunNow runs name synchronously under the same overlap rule as triggers.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.entries[name]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.run(ctx, e)
}

var errSkipped = errors.New("previous run still in flight")

func (s *Service) run(ctx context.Context, e *entry) (err error) {
	item := HistoryItem{Name: e.name, Started: time.Now()}
	defer func() { s.finish(item) }()

	if !e.busy.CompareAndSwap(false, true) {
		item.Skipped = true
		s.log.Debug("task skipped", logx.String("name", e.name))
		return errSkipped
	}
	defer e.busy.Store(false)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("task panicked", logx.String("name", e.name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
		item.Duration = time.Since(item.Started)
		if err != nil {
			item.Error = err.Error()
			s.log.Warn("task failed", logx.String("name", e.name), logx.Duration("took", item.Duration), logx.Err(err))
			return
		}
		s.log.Debug("task done", logx.String("name", e.name), logx.Duration("took", item.Duration))
	}()
	return e.task(ctx)
}

// finish keeps the last HistorySize items and announces the run.
func (s *Service) finish(item HistoryItem) {
	s.histMu.Lock()
	s.history = append(s.history, item)
	if extra := len(s.history) - s.cfg.HistorySize; extra > 0 {
		s.history = slices.Clone(s.history[extra:])
	}
	s.histMu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.finished", Time: time.Now(), Data: item})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Timezone: s.loc.String()}
	for _, name := range s.order {
		e := s.entries[name]
		info := ScheduleInfo{Name: name, Spec: e.spec.String(), Timeout: e.timeout}
		if s.cron != nil && e.id != 0 {
			ce := s.cron.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.histMu.Lock()
	snap.History = slices.Clone(s.history)
	s.histMu.Unlock()
	return snap
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
