// Package supervisor runs named goroutines under one cancelable context,
// turning panics into errors and remembering the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "tgload/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// cancelOnErr makes the first failure cancel ctx.
	cancelOnErr bool

	wg       sync.WaitGroup
	firstErr atomic.Pointer[error]

	started, restarts, panics atomic.Uint64
	active                    atomic.Int64
}

// Counters is a point-in-time view of a supervisor.
type Counters struct {
	Active   int64
	Started  uint64
	Restarts uint64
	Panics   uint64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError makes the first goroutine error cancel the shared context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop()}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, or nil.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Restarts: s.restarts.Load(),
		Panics:   s.panics.Load(),
	}
}

// Go runs fn once. A returned error or panic is recorded; context.Canceled
// counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, func(ctx context.Context) {
		err := s.protect(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err), s.cancelOnErr)
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) spawn(name string, body func(ctx context.Context)) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.log.Debug("goroutine started", logx.String("name", name))
		body(s.ctx)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// protect runs fn and converts a panic into an error.
func (s *Supervisor) protect(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.panics.Add(1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(err error, cancel bool) {
	s.firstErr.CompareAndSwap(nil, &err)
	if cancel {
		s.cancel()
	}
}

type restartPolicy struct {
	minBackoff, maxBackoff time.Duration
	// resetAfter is how long a run must last to reset the backoff.
	resetAfter      time.Duration
	stopOnCleanExit bool
	publishFirstErr bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(minDelay, maxDelay time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if minDelay > 0 {
			p.minBackoff = minDelay
		}
		if maxDelay > 0 {
			p.maxBackoff = maxDelay
		}
	}
}

// WithPublishFirstError records the first failure as Err without canceling.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit ends the loop when fn returns nil (the default).
// Disabled, a clean return is restarted like a failure.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running until the context ends, restarting it after
// errors and panics with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := restartPolicy{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		resetAfter:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.spawn(name, func(ctx context.Context) {
		delay := p.minBackoff
		for {
			began := time.Now()
			err := s.protect(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					return
				}
				err = errors.New("returned without error")
			}
			if p.publishFirstErr {
				s.record(fmt.Errorf("%s: %w", name, err), false)
			}
			s.restarts.Add(1)

			if time.Since(began) >= p.resetAfter {
				delay = p.minBackoff
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			delay = min(delay*2, p.maxBackoff)
		}
	})
}

// Wait blocks until every goroutine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}
