// Package router turns Telegram updates into bot actions: commands go to
// their handlers, everything else to the content dispatcher.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tgload/internal/access"
	"tgload/internal/dispatch"
	"tgload/internal/features"
	"tgload/internal/jobs"
	"tgload/internal/messages"
	"tgload/internal/notifier/broadcast"
	"tgload/internal/runtime/supervisor"
	"tgload/internal/state"
	kit "tgload/internal/transport"
	logx "tgload/pkg/logx"
)

// Sender is the outbound side of the transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// ContentHandler handles messages that are not commands.
type ContentHandler interface {
	HandleMessage(ctx context.Context, msg *kit.Message, mode dispatch.Mode) int
}

// Broadcaster queues announcements.
type Broadcaster interface {
	Broadcast(ctx context.Context, req broadcast.Request, done func(broadcast.Report)) (int, error)
}

// JobStats reports scheduler state for /status.
type JobStats interface {
	Snapshot() jobs.Snapshot
}

type Deps struct {
	Out       Sender
	Content   ContentHandler
	Features  *features.Registry
	Gate      *access.Gate
	Admins    *access.Admins
	State     *state.Store
	Messages  *messages.Catalog
	Broadcast Broadcaster
	Jobs      JobStats
	Log       logx.Logger
}

type Config struct {
	// Workers bounds concurrent handlers; 0 means NumCPU (at least 2).
	Workers int
	// QueueSize bounds pending handlers before "busy" is answered.
	QueueSize int
	// Timeout bounds one command handler.
	Timeout time.Duration
}

type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	RawArgs string
	ReqID   string
	Logger  logx.Logger
}

// Access is who may run a command.
type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type Command struct {
	Name        string
	Description string
	// Access marks the command in the menu. Admin handlers authorize
	// through access.Authorize themselves.
	Access Access
	// Hidden commands stay out of the menu.
	Hidden bool
	Handle HandlerFunc
}

type Router struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	cmds  map[string]Command
	order []string

	botUsername atomic.Pointer[string]
	startedAt   time.Time

	jobs chan func()
}

func New(cfg Config, deps Deps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Router{
		cfg:       cfg,
		deps:      deps,
		log:       log.With(logx.String("comp", "telegram.router")),
		cmds:      map[string]Command{},
		startedAt: time.Now(),
		jobs:      make(chan func(), cfg.QueueSize),
	}
	empty := ""
	r.botUsername.Store(&empty)
	for _, c := range r.userCommands() {
		r.register(c)
	}
	for _, c := range r.adminCommands() {
		r.register(c)
	}
	return r
}

func (r *Router) register(c Command) {
	if _, dup := r.cmds[c.Name]; !dup {
		r.order = append(r.order, c.Name)
	}
	r.cmds[c.Name] = c
}

// SetBotUsername sets the username commands may be addressed to
// ("/start@name"). Commands addressed to other bots are ignored.
func (r *Router) SetBotUsername(name string) {
	name = strings.ToLower(strings.TrimPrefix(name, "@"))
	r.botUsername.Store(&name)
}

// MenuCommands lists the commands shown in the Telegram menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	var cmds []Command
	for _, name := range r.order {
		cmds = append(cmds, r.cmds[name])
	}
	return buildMenuCommands(cmds)
}

// PublishMenu pushes the command menu when the adapter supports it.
func (r *Router) PublishMenu(ctx context.Context, up kit.CommandMenuUpdater) {
	if up == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, r.MenuCommands()); err != nil {
		r.log.Warn("command menu update failed", logx.Err(err))
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() { closeOnce.Do(func() { close(r.jobs) }) }

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(idx int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

// Route handles one update. Work is queued on the worker pool; when the pool
// is saturated the sender is told to retry.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	req := &Request{
		Msg:    msg,
		Chat:   kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID: msg.FromID,
		ReqID:  newReqID(),
	}

	var h HandlerFunc
	var timeout time.Duration
	if cl, ok := parseCommandLine(msg.Text); ok {
		if bot := *r.botUsername.Load(); cl.Bot != "" && bot != "" && cl.Bot != bot {
			return
		}
		cmd, known := r.cmds[cl.Name]
		if !known {
			return
		}
		req.Command, req.Args, req.RawArgs = cmd.Name, cl.Args, cl.RawArgs
		h, timeout = cmd.Handle, r.cfg.Timeout
	} else {
		mode := dispatch.ModePlain
		if msg.MentionsBot {
			mode = dispatch.ModeMention
		}
		req.Command = "content." + mode.String()
		h = r.content(mode)
	}
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", req.Command),
	)

	final := guard(h, timeout)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.reply(ctx, req, r.deps.Messages.Get(messages.Busy))
	}
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) content(mode dispatch.Mode) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		r.deps.Content.HandleMessage(ctx, req.Msg, mode)
		return nil
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyTo: req.Msg.ID}
	if _, err := r.deps.Out.SendText(ctx, req.Chat, text, opt); err != nil {
		log := req.Logger
		if log.IsZero() {
			log = r.log
		}
		log.Warn("reply failed", logx.Err(err))
	}
}
