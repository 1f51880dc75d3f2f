package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "tgload/internal/transport"
	"tgload/pkg/tgui"
)

// TextSender is the part of the transport the chat sink needs.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxRunes    = 3500
	chatMaxValue    = 600
)

type chatLine struct {
	chat int64
	text string
}

// chatSink is a zerolog.LevelWriter that forwards lines to logging chats
// from a single goroutine. Writes never block: lines over the rate limit
// are skipped and lines that find the queue full are counted as dropped.
type chatSink struct {
	sender TextSender
	queue  chan chatLine

	mu      sync.Mutex
	chats   []int64
	floor   zerolog.Level
	limiter *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	dropped atomic.Uint64
}

func newChatSink(sender TextSender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueueSize)}
}

// configure applies tc and reports whether the sink should be attached.
func (c *chatSink) configure(tc TelegramConfig) bool {
	if c.sender == nil || !tc.Enabled {
		c.mu.Lock()
		c.chats = nil
		c.mu.Unlock()
		return false
	}
	if len(tc.ChatIDs) == 0 {
		fmt.Fprintln(stderr, "logx: telegram logging enabled without logging_chat_ids")
	}
	perSec := max(1, tc.RatePerSec)
	c.mu.Lock()
	c.chats = slices.Clone(tc.ChatIDs)
	c.floor = parseLevel(tc.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	c.mu.Unlock()
	c.startOnce.Do(c.start)
	return true
}

func (c *chatSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel, c.done = cancel, make(chan struct{})
	go c.run(ctx)
}

func (c *chatSink) stop() {
	// mark started so a late configure cannot spawn a worker
	c.startOnce.Do(func() {})
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer close(c.done)
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendText(sctx, kit.ChatTarget{ChatID: l.chat}, l.text, opt)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chats, floor, lim := c.chats, c.floor, c.limiter
	c.mu.Unlock()
	if len(chats) == 0 || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := renderChatLine(p)
	for _, id := range chats {
		select {
		case c.queue <- chatLine{chat: id, text: text}:
		default:
			c.dropped.Add(1)
		}
	}
	return len(p), nil
}

// renderChatLine turns one JSON log line into a short HTML message:
// the level and message in bold, then one key=value per line, sorted.
func renderChatLine(p []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return tgui.Esc(tgui.TruncRunes(strings.TrimSpace(string(p)), chatMaxRunes))
	}
	var b strings.Builder
	head := fmt.Sprint(fields[zerolog.MessageFieldName])
	if lvl, ok := fields[zerolog.LevelFieldName].(string); ok {
		head = strings.ToUpper(lvl) + " " + head
	}
	b.WriteString(tgui.Bold(head))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := tgui.TruncRunes(fmt.Sprint(fields[k]), chatMaxValue)
		b.WriteString("\n" + tgui.Esc(k) + "=" + tgui.Code(v))
	}
	// Cutting HTML could break a tag, so fall back to plain text when long.
	if out := b.String(); len([]rune(out)) <= chatMaxRunes {
		return out
	}
	return tgui.Esc(tgui.TruncRunes(strings.TrimSpace(string(p)), chatMaxRunes))
}
