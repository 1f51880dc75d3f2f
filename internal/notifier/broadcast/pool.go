package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"tgload/internal/runtime/supervisor"
	kit "tgload/internal/transport"
	logx "tgload/pkg/logx"
)

const retryBaseDelay = 200 * time.Millisecond

func New(cfg Config, chats ChatLister, sender TextSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		chats:   chats,
		sender:  sender,
		log:     log.With(logx.String("comp", "broadcast")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply updates the rate and retry settings of a running service. The
// worker count only changes on restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
	s.cfg.RatePerSec, s.cfg.RetryMax = cfg.RatePerSec, cfg.RetryMax
}

// Start launches the delivery workers. It is a no-op while running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan task, s.cfg.QueueSize)
	s.sup = supervisor.NewSupervisor(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	queue := s.queue
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("broadcast.worker.%d", i), func(c context.Context) error {
			s.deliver(c, queue)
			return nil
		}, supervisor.WithRestartBackoff(100*time.Millisecond, 2*time.Second))
	}
	s.log.Info("broadcaster started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop cancels delivery. Targets that were not reached are counted as
// failed so every accepted broadcast still reports.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, queue := s.sup, s.queue
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	began := time.Now()
	sup.Cancel()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.feeders.Wait()
		_ = sup.Wait(context.Background())
		for {
			select {
			case t := <-queue:
				s.record(t.run, t.chatID, false)
			default:
				return
			}
		}
	}()
	select {
	case <-drained:
		s.log.Info("broadcaster stopped", logx.Duration("took", time.Since(began)))
	case <-ctx.Done():
		s.log.Warn("broadcaster stop timed out", logx.Duration("took", time.Since(began)))
	}
}

func (s *Service) deliver(ctx context.Context, queue <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			if ctx.Err() != nil {
				s.record(t.run, t.chatID, false)
				return
			}
			err := s.send(ctx, t.run.report.ID, t.chatID, t.run.text)
			s.record(t.run, t.chatID, err == nil)
		}
	}
}

// send delivers one message, retrying up to RetryMax times with a doubling
// delay. Every attempt waits for the shared rate limiter.
func (s *Service) send(ctx context.Context, id string, chatID int64, text string) error {
	s.mu.Lock()
	retries := s.cfg.RetryMax
	s.mu.Unlock()

	to := kit.ChatTarget{ChatID: chatID}
	opt := &kit.SendOptions{DisablePreview: true}
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := s.sender.SendText(ctx, to, text, opt)
		if err == nil {
			return nil
		}
		if attempt == retries {
			s.log.Warn("broadcast delivery failed", logx.String("id", id), logx.Int64("chat_id", chatID), logx.Int("attempts", attempt+1), logx.Err(err))
			return err
		}
		s.log.Debug("broadcast delivery retry", logx.String("id", id), logx.Int64("chat_id", chatID), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// record accounts one target; the last one finalizes the run.
func (s *Service) record(r *run, chatID int64, ok bool) {
	r.mu.Lock()
	if ok {
		r.report.Sent++
	} else {
		r.report.Failed++
		if len(r.report.Failures) < maxFailures {
			r.report.Failures = append(r.report.Failures, chatID)
		}
	}
	r.pending--
	last := r.pending == 0
	if last {
		r.report.DoneAt = time.Now()
	}
	rep := r.report
	rep.Failures = slices.Clone(r.report.Failures)
	r.mu.Unlock()
	if last {
		s.finish(r, rep)
	}
}

func (s *Service) finish(r *run, rep Report) {
	log := s.log.With(
		logx.String("id", rep.ID),
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("dur", rep.DoneAt.Sub(rep.StartedAt)),
	)
	if rep.Failed > 0 {
		log.Warn("broadcast finished with failures")
	} else {
		log.Info("broadcast finished")
	}

	s.statusMu.Lock()
	s.recent = append(s.recent, rep)
	if extra := len(s.recent) - statusMax; extra > 0 {
		s.recent = slices.Clone(s.recent[extra:])
	}
	s.statusMu.Unlock()

	if r.done == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("broadcast report callback panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	r.done(rep)
}
