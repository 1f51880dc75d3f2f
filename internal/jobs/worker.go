package jobs

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tgload/internal/fetch"
	logx "tgload/pkg/logx"
)

type waitResult struct {
	art fetch.Artifact
	err error
}

func (s *Scheduler) run(j *Job) {
	start := s.now()
	j.StartedAt = start
	j.Deadline = start.Add(s.cfg.JobTimeout)

	n := s.running.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.publish("job.started", j, StatusRunning, 0, nil)
	s.log.Debug("job started",
		logx.String("job", j.ID),
		logx.String("url", j.Link.CanonicalURL),
		logx.Duration("queue_delay", start.Sub(j.EnqueuedAt)),
	)

	out := s.execute(j)
	out.Job = *j
	out.Duration = s.now().Sub(start)
	s.running.Add(-1)

	switch out.Status {
	case StatusSucceeded:
		s.log.Info("job succeeded", logx.String("job", j.ID), logx.Int("files", len(out.Artifact.Files)), logx.Duration("dur", out.Duration))
	case StatusTimedOut:
		s.log.Warn("job timed out", logx.String("job", j.ID), logx.String("url", j.Link.CanonicalURL), logx.Duration("dur", out.Duration))
	default:
		s.log.Warn("job failed", logx.String("job", j.ID), logx.String("url", j.Link.CanonicalURL), logx.Err(out.Err), logx.Duration("dur", out.Duration))
	}
	s.finish(j, out)
}

// execute launches the unit and waits for it, the deadline, or shutdown,
// whichever comes first. A panic anywhere becomes a Failed outcome.
func (s *Scheduler) execute(j *Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = Outcome{Status: StatusFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	unit, err := s.launcher.Launch(s.runCtx, *j)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	resCh := make(chan waitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- waitResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		art, err := unit.Wait()
		resCh <- waitResult{art: art, err: err}
	}()

	timer := time.NewTimer(time.Until(j.Deadline))
	defer timer.Stop()

	select {
	case r := <-resCh:
		if r.err != nil {
			return Outcome{Status: StatusFailed, Artifact: r.art, Err: r.err}
		}
		return Outcome{Status: StatusSucceeded, Artifact: r.art}
	case <-timer.C:
		r := s.kill(j, unit, resCh)
		return Outcome{Status: StatusTimedOut, Artifact: r.art, Err: errTimedOut}
	case <-s.runCtx.Done():
		r := s.kill(j, unit, resCh)
		return Outcome{Status: StatusFailed, Artifact: r.art, Err: ErrStopped}
	}
}

var errTimedOut = errors.New("job deadline exceeded")

// kill terminates the unit and waits up to KillGrace for it to exit.
func (s *Scheduler) kill(j *Job, unit Unit, resCh <-chan waitResult) waitResult {
	if err := unit.Kill(); err != nil {
		s.log.Warn("job kill failed", logx.String("job", j.ID), logx.Err(err))
	}
	t := time.NewTimer(s.cfg.KillGrace)
	defer t.Stop()
	select {
	case r := <-resCh:
		return r
	case <-t.C:
		s.log.Error("job unit did not exit after kill", logx.String("job", j.ID), logx.Duration("kill_grace", s.cfg.KillGrace))
		return waitResult{}
	}
}
