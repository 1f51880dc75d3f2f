// Package jobs runs download jobs with bounded concurrency. A single
// coordinator goroutine owns the FIFO queue and the running count; workers
// launch each job as an isolated unit and enforce its deadline.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tgload/internal/eventbus"
	logx "tgload/pkg/logx"
)

type Scheduler struct {
	cfg      Config
	launcher Launcher
	bus      eventbus.Publisher
	log      logx.Logger

	mu      sync.RWMutex
	started bool
	stopped bool

	submitCh  chan *Job
	work      chan *Job
	doneCh    chan struct{}
	stopCh    chan struct{}
	coordDone chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
	workers   sync.WaitGroup
	callbacks sync.WaitGroup

	running   atomic.Int64
	queued    atomic.Int64
	peak      atomic.Int64
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, launcher Launcher, bus eventbus.Publisher, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		launcher:  launcher,
		bus:       bus,
		log:       log.With(logx.String("comp", "jobs")),
		submitCh:  make(chan *Job, 64),
		work:      make(chan *Job),
		doneCh:    make(chan struct{}, 16),
		stopCh:    make(chan struct{}),
		coordDone: make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the coordinator and the worker pool. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}
	s.started = true
	// Units are killed by cancelling runCtx, never by the caller's ctx.
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	go s.coordinate()

	s.log.Info("job scheduler started",
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Duration("job_timeout", s.cfg.JobTimeout),
	)
	return nil
}

// Submit queues j and returns its ID. It never blocks on job execution.
func (s *Scheduler) Submit(j Job) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return "", ErrStopped
	}
	if !s.started {
		return "", ErrNotStart
	}
	if j.ID == "" {
		j.ID = newID()
	}
	j.EnqueuedAt = s.now()

	id := j.ID
	s.log.Debug("job queued", logx.String("job", id), logx.String("url", j.Link.CanonicalURL), logx.Int64("chat_id", j.ChatID))
	s.publish("job.queued", &j, StatusQueued, 0, nil)
	s.queued.Add(1)

	jp := new(Job)
	*jp = j
	select {
	case s.submitCh <- jp:
	case <-s.stopCh:
		s.queued.Add(-1)
		return "", ErrStopped
	}
	s.submitted.Add(1)
	return id, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// coordinate owns the queue. A job is handed to a worker only while the
// running count is below the limit.
func (s *Scheduler) coordinate() {
	defer close(s.coordDone)
	defer close(s.work)

	var queue []*Job
	running := 0
	for {
		var sendCh chan *Job
		var next *Job
		if len(queue) > 0 && running < s.cfg.MaxConcurrent {
			sendCh = s.work
			next = queue[0]
		}

		select {
		case j := <-s.submitCh:
			queue = append(queue, j)
		case sendCh <- next:
			queue[0] = nil
			queue = queue[1:]
			running++
			s.queued.Add(-1)
		case <-s.doneCh:
			running--
		case <-s.stopCh:
			// Drain submissions that raced with Stop.
			for {
				select {
				case j := <-s.submitCh:
					queue = append(queue, j)
					continue
				default:
				}
				break
			}
			for _, j := range queue {
				s.queued.Add(-1)
				s.finish(j, Outcome{Job: *j, Status: StatusFailed, Err: ErrStopped})
			}
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for j := range s.work {
		s.run(j)
		select {
		case s.doneCh <- struct{}{}:
		case <-s.coordDone:
		}
	}
}

// Snapshot is a point-in-time view for status reporting.
func (s *Scheduler) Snapshot() Snapshot {
	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return Snapshot{
		Running:   int(s.running.Load()),
		Queued:    int(s.queued.Load()),
		Peak:      int(s.peak.Load()),
		Max:       s.cfg.MaxConcurrent,
		Submitted: s.submitted.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
		History:   hist,
	}
}

// Stop rejects new submissions and fails queued jobs with ErrStopped.
// Running units get ShutdownGrace (bounded by ctx) to finish, then they are
// killed. Stop returns once every outcome callback has returned or ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if !started {
		return nil
	}

	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-workersDone:
	case <-grace.C:
		s.log.Warn("shutdown grace elapsed, killing running jobs", logx.Int64("running", s.running.Load()))
		s.cancelRun()
	case <-ctx.Done():
		s.cancelRun()
	}

	select {
	case <-workersDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cancelRun()

	cbDone := make(chan struct{})
	go func() {
		s.callbacks.Wait()
		close(cbDone)
	}()
	select {
	case <-cbDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) finish(j *Job, out Outcome) {
	switch out.Status {
	case StatusSucceeded:
		s.succeeded.Add(1)
		s.publish("job.succeeded", j, out.Status, out.Duration, nil)
	case StatusTimedOut:
		s.timedOut.Add(1)
		s.publish("job.timed_out", j, out.Status, out.Duration, out.Err)
	default:
		s.failed.Add(1)
		s.publish("job.failed", j, out.Status, out.Duration, out.Err)
	}
	s.record(j, out)

	cb := j.OnOutcome
	if cb == nil {
		return
	}
	s.callbacks.Add(1)
	go func() {
		defer s.callbacks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("outcome callback panicked", logx.String("job", j.ID), logx.Any("panic", r))
			}
		}()
		cb(out)
	}()
}

func (s *Scheduler) record(j *Job, out Outcome) {
	item := HistoryItem{
		ID:       j.ID,
		URL:      j.Link.CanonicalURL,
		ChatID:   j.ChatID,
		Status:   out.Status,
		Started:  j.StartedAt,
		Duration: out.Duration,
	}
	if out.Err != nil {
		item.Error = out.Err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Scheduler) publish(typ string, j *Job, st Status, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{ID: j.ID, ChatID: j.ChatID, URL: j.Link.CanonicalURL, Status: st, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
