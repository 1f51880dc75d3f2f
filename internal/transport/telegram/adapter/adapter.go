// Package adapter connects tgload to the Bot API through telebot. Incoming
// messages become kit.Updates; outgoing text and media go through Send*.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "tgload/internal/runtime/supervisor"
	kit "tgload/internal/transport"
	logx "tgload/pkg/logx"
)

// Config selects long polling, or a webhook when Webhook is set.
type Config struct {
	Token       string
	PollTimeout time.Duration
	Webhook     *WebhookConfig
}

type WebhookConfig struct {
	Listen      string
	PublicURL   string
	SecretToken string
}

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// out is the consumer channel; nil while stopped.
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

// New validates the token against getMe and registers the message handlers.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: cfg.poller(),
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = bot
	bot.Handle(tele.OnText, a.forward)
	bot.Handle(tele.OnMedia, a.forward)
	return a, nil
}

func (c Config) poller() tele.Poller {
	allowed := []string{"message"}
	if wh := c.Webhook; wh != nil {
		return &tele.Webhook{
			Listen:         wh.Listen,
			SecretToken:    wh.SecretToken,
			AllowedUpdates: allowed,
			Endpoint:       &tele.WebhookEndpoint{PublicURL: wh.PublicURL},
		}
	}
	timeout := c.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowed}
}

func (c Config) mode() string {
	if c.Webhook != nil {
		return "webhook"
	}
	return "long_poll"
}

// SetLogger replaces the bootstrap logger. Call it before Start.
func (a *Adapter) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		a.log = log
	}
}

// Me returns the bot's display name and username from getMe.
func (a *Adapter) Me() (name, username string) {
	if a.bot == nil || a.bot.Me == nil {
		return "", ""
	}
	return a.bot.Me.FirstName, a.bot.Me.Username
}

// forward hands a message to the consumer without blocking the poller.
func (a *Adapter) forward(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	out := a.out.Load()
	if out == nil {
		return nil
	}
	var botID int64
	var botUser string
	if me := a.bot.Me; me != nil {
		botID, botUser = me.ID, me.Username
	}
	select {
	case *out <- kit.Update{Kind: kit.UpdateMessage, Message: flattenMessage(m, botID, botUser)}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins receiving updates into out. It is a no-op while running.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))
	a.sup = sup

	sup.Go0("telegram.drops", func(c context.Context) { a.reportDrops(c, cap(out)) })
	sup.Go0("telegram.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an early return is restarted.
	sup.GoRestart("telegram.poll", func(context.Context) error {
		a.log.Info("receiving updates", logx.String("mode", a.cfg.mode()))
		a.bot.Start()
		a.log.Info("update loop returned")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// reportDrops logs updates lost to a full consumer channel, in batches.
func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	t := time.NewTicker(dropReportEvery)
	defer t.Stop()
	for {
		done := false
		select {
		case <-ctx.Done():
			done = true
		case <-t.C:
		}
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("updates dropped, consumer too slow", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
		}
		if done {
			return
		}
	}
}

// Stop ends polling. It waits at most stopGrace (or ctx) for the poll loop,
// which may sit in a long-poll request.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case err != nil:
		a.log.Debug("telegram stopped", logx.Err(err))
	}
	return nil
}
