package jobs

import (
	"context"
	"errors"
	"time"

	"tgload/internal/fetch"
	"tgload/internal/links"
)

var (
	ErrStopped  = errors.New("job scheduler stopped")
	ErrNotStart = errors.New("job scheduler not started")
)

// Config bounds job execution. Changing it requires a restart.
type Config struct {
	MaxConcurrent int
	JobTimeout    time.Duration
	KillGrace     time.Duration
	ShutdownGrace time.Duration
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Job is one download request. Everything needed to reply is resolved
// before submission.
type Job struct {
	ID   string
	Link links.Descriptor

	ChatID      int64
	ThreadID    int
	ReplyTo     int
	RequestedBy int64

	Uncompressed bool
	AudioOnly    bool
	Captions     bool

	EnqueuedAt time.Time
	StartedAt  time.Time
	Deadline   time.Time

	// OnOutcome receives exactly one Outcome, on its own goroutine.
	OnOutcome func(Outcome)
}

// Outcome is the terminal result of a job.
type Outcome struct {
	Job      Job
	Status   Status
	Artifact fetch.Artifact
	Err      error
	Duration time.Duration
}

// Unit is one isolated, killable execution of a job.
type Unit interface {
	// Wait blocks until the unit exits.
	Wait() (fetch.Artifact, error)
	// Kill terminates the unit and everything it started.
	Kill() error
}

type Launcher interface {
	Launch(ctx context.Context, j Job) (Unit, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, j Job) (Unit, error)

func (f LauncherFunc) Launch(ctx context.Context, j Job) (Unit, error) { return f(ctx, j) }

type HistoryItem struct {
	ID       string
	URL      string
	ChatID   int64
	Status   Status
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Event is the Data of job.* bus events.
type Event struct {
	ID       string
	ChatID   int64
	URL      string
	Status   Status
	Duration time.Duration
	Error    string
}

type Snapshot struct {
	Running   int
	Queued    int
	Peak      int
	Max       int
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	TimedOut  uint64
	History   []HistoryItem
}
