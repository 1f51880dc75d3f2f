// Package broadcast delivers admin announcements to many chats through a
// rate-limited worker pool.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgload/internal/access"
	"tgload/internal/runtime/supervisor"
	"tgload/internal/state"
	kit "tgload/internal/transport"
	logx "tgload/pkg/logx"
)

var (
	ErrNotRunning = errors.New("broadcaster not running")
	ErrNoTargets  = errors.New("no chats to notify")
	ErrEmpty      = errors.New("empty broadcast")
)

type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Request is one announcement.
type Request struct {
	Content  string
	Scope    access.BroadcastScope
	IssuedBy int64
}

// Report is the aggregate result of a broadcast.
type Report struct {
	ID     string
	Total  int
	Sent   int
	Failed int
	// Failures holds up to maxFailures chat IDs that could not be reached.
	Failures  []int64
	StartedAt time.Time
	DoneAt    time.Time
}

const (
	maxFailures = 200
	statusMax   = 50
)

// ChatLister is the read side of the state store used to pick targets.
type ChatLister interface {
	Chats(ctx context.Context) ([]state.ChatState, error)
}

// TextSender is the part of the transport used for delivery.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// run tracks one broadcast until every target is accounted for.
type run struct {
	mu      sync.Mutex
	report  Report
	pending int
	text    string
	done    func(Report)
}

type task struct {
	run    *run
	chatID int64
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	chats   ChatLister
	sender  TextSender
	log     logx.Logger
	limiter *rate.Limiter

	// sup is nil while stopped.
	sup     *supervisor.Supervisor
	queue   chan task
	feeders sync.WaitGroup

	statusMu sync.RWMutex
	recent   []Report
}
