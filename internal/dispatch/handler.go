// Package dispatch turns chat messages into download jobs and job outcomes
// into replies.
package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"tgload/internal/access"
	"tgload/internal/fetch"
	"tgload/internal/jobs"
	"tgload/internal/links"
	"tgload/internal/messages"
	"tgload/internal/state"
	"tgload/internal/transport"
	logx "tgload/pkg/logx"
	"tgload/pkg/tgui"
)

const (
	maxAlbumItems   = 10
	maxCaptionRunes = 1024
)

// Submitter accepts jobs.
type Submitter interface {
	Submit(j jobs.Job) (string, error)
}

// ChatReader reads per-chat preferences.
type ChatReader interface {
	Chat(ctx context.Context, chatID int64) (state.ChatState, error)
}

// Sender is the outbound side of the transport.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendMedia(ctx context.Context, to transport.ChatTarget, items []transport.MediaItem, caption string, opt *transport.SendOptions) error
}

type Config struct {
	// WorkRoot is the parent of per-job work directories.
	WorkRoot string
}

type Handler struct {
	cfg   Config
	gate  *access.Gate
	chats ChatReader
	jobs  Submitter
	out   Sender
	msgs  *messages.Catalog
	log   logx.Logger

	// baseCtx outlives individual updates; deliveries run on it.
	baseCtx context.Context
}

type Deps struct {
	Gate     *access.Gate
	Chats    ChatReader
	Jobs     Submitter
	Out      Sender
	Messages *messages.Catalog
	Log      logx.Logger
}

func NewHandler(ctx context.Context, cfg Config, d Deps) *Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		cfg:     cfg,
		gate:    d.Gate,
		chats:   d.Chats,
		jobs:    d.Jobs,
		out:     d.Out,
		msgs:    d.Messages,
		log:     log.With(logx.String("comp", "dispatch")),
		baseCtx: context.WithoutCancel(ctx),
	}
}

// link is a classified link plus the message a reply should go to.
type link struct {
	d       links.Descriptor
	replyTo int
}

// HandleMessage classifies msg (and, for explicit modes, the message it
// replies to), checks access and submits one job per accepted link. It
// returns the number of submitted jobs.
func (h *Handler) HandleMessage(ctx context.Context, msg *transport.Message, mode Mode) int {
	if msg == nil {
		return 0
	}
	found := h.collect(msg, mode)
	if len(found) == 0 && !mode.Explicit() && !msg.IsPrivate {
		return 0
	}

	if pre := h.gate.MayConfigure(ctx, msg.ChatID, msg.FromID); !pre.Allow {
		h.denyConversation(ctx, msg, mode, pre, len(found) > 0)
		return 0
	}
	if len(found) == 0 {
		if mode.Explicit() {
			h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.NoLinks))
		}
		return 0
	}

	captions := true
	if c, err := h.chats.Chat(ctx, msg.ChatID); err == nil {
		captions = c.Captions
	}

	submitted, noticed := 0, 0
	deniedFeatures := map[links.Feature]bool{}
	for _, l := range found {
		if !l.d.Supported() {
			if mode.ReportsUnsupported(l.d) {
				h.reply(ctx, msg, l.replyTo, h.msgs.Get(messages.Unsupported, tgui.Esc(l.d.RawMatch)))
				noticed++
			}
			continue
		}
		if !mode.Accepts(l.d) {
			continue
		}
		f := l.d.Feature()
		if dec := h.gate.MayProcess(ctx, msg.ChatID, msg.FromID, f); !dec.Allow {
			if !deniedFeatures[f] {
				deniedFeatures[f] = true
				h.denyLink(ctx, msg, l, dec)
				noticed++
			}
			continue
		}

		j := jobs.Job{
			Link:         l.d,
			ChatID:       msg.ChatID,
			ThreadID:     msg.ThreadID,
			ReplyTo:      l.replyTo,
			RequestedBy:  msg.FromID,
			Uncompressed: mode == ModeUncompressed,
			AudioOnly:    mode == ModeAudio,
			Captions:     captions,
			OnOutcome:    h.onOutcome,
		}
		if _, err := h.jobs.Submit(j); err != nil {
			h.log.Warn("job rejected", logx.String("url", l.d.CanonicalURL), logx.Err(err))
			key := messages.ErrTransient
			if errors.Is(err, jobs.ErrStopped) {
				key = messages.Stopped
			}
			h.reply(ctx, msg, l.replyTo, h.msgs.Get(key))
			noticed++
			continue
		}
		submitted++
	}

	if submitted == 0 && noticed == 0 && mode.Explicit() {
		h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.NoLinks))
	}
	return submitted
}

func (h *Handler) collect(msg *transport.Message, mode Mode) []link {
	var out []link
	for _, d := range links.Classify(msg.Text) {
		out = append(out, link{d: d, replyTo: msg.ID})
	}
	if mode.Explicit() && msg.ReplyTo != nil {
		for _, d := range links.Classify(msg.ReplyTo.Text) {
			out = append(out, link{d: d, replyTo: msg.ReplyTo.ID})
		}
	}
	return out
}

func (h *Handler) denyConversation(ctx context.Context, msg *transport.Message, mode Mode, d access.Decision, hasLinks bool) {
	switch d.Reason {
	case access.ReasonBanned:
		if mode.Explicit() || hasLinks || msg.IsPrivate {
			h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.Banned))
		}
	case access.ReasonChatDisabled:
		switch {
		case msg.IsPrivate:
			h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.PrivateNotEnabled, msg.ChatID))
		case mode.Explicit():
			h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.NotEnabled))
		}
	default:
		if mode.Explicit() {
			h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.InternalError))
		}
	}
}

func (h *Handler) denyLink(ctx context.Context, msg *transport.Message, l link, d access.Decision) {
	switch d.Reason {
	case access.ReasonBanned:
		h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.Banned))
	case access.ReasonChatDisabled:
		h.reply(ctx, msg, msg.ID, h.msgs.Get(messages.NotEnabled))
	default:
		h.reply(ctx, msg, l.replyTo, h.msgs.Get(messages.FeatureDisabled, l.d.Feature().DisplayName()))
	}
}

func (h *Handler) reply(ctx context.Context, msg *transport.Message, replyTo int, text string) {
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyTo: replyTo}
	if _, err := h.out.SendText(ctx, to, text, opt); err != nil {
		h.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (h *Handler) onOutcome(o jobs.Outcome) {
	h.Deliver(h.baseCtx, o)
}

// Deliver replies to the job's reply target with the outcome and removes
// the job's work directory.
func (h *Handler) Deliver(ctx context.Context, o jobs.Outcome) {
	defer h.cleanup(o)

	j := o.Job
	to := transport.ChatTarget{ChatID: j.ChatID, ThreadID: j.ThreadID}
	notice := func(key messages.Key) {
		opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyTo: j.ReplyTo}
		if _, err := h.out.SendText(ctx, to, h.msgs.Get(key), opt); err != nil {
			h.log.Warn("outcome notice failed", logx.String("job", j.ID), logx.Err(err))
		}
	}

	switch o.Status {
	case jobs.StatusSucceeded:
		if err := h.sendArtifact(ctx, to, j, o.Artifact); err != nil {
			h.log.Error("media upload failed", logx.String("job", j.ID), logx.String("url", j.Link.CanonicalURL), logx.Err(err))
			notice(messages.SendFailed)
		}
	case jobs.StatusTimedOut:
		notice(messages.TimedOut)
	default:
		if errors.Is(o.Err, jobs.ErrStopped) {
			notice(messages.Stopped)
			return
		}
		switch fetch.KindOf(o.Err) {
		case fetch.NotFound:
			notice(messages.ErrNotFound)
		case fetch.RateLimited:
			notice(messages.ErrRateLimited)
		case fetch.UnsupportedVariant:
			notice(messages.ErrUnsupported)
		default:
			notice(messages.ErrTransient)
		}
	}
}

func (h *Handler) sendArtifact(ctx context.Context, to transport.ChatTarget, j jobs.Job, art fetch.Artifact) error {
	items := mediaItems(art, j.Uncompressed)
	if len(items) == 0 {
		return errors.New("artifact has no files")
	}
	caption := ""
	if j.Captions {
		caption = TruncateCaption(art.Caption)
	}
	opt := &transport.SendOptions{ReplyTo: j.ReplyTo}
	for i, chunk := range ChunkMedia(items, maxAlbumItems) {
		c := ""
		if i == 0 {
			c = caption
		}
		if err := h.out.SendMedia(ctx, to, chunk, c, opt); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) cleanup(o jobs.Outcome) {
	if h.cfg.WorkRoot == "" || o.Job.ID == "" {
		return
	}
	dir := filepath.Join(h.cfg.WorkRoot, o.Job.ID)
	if err := os.RemoveAll(dir); err != nil {
		h.log.Warn("work dir cleanup failed", logx.String("dir", dir), logx.Err(err))
	}
}

func mediaItems(art fetch.Artifact, uncompressed bool) []transport.MediaItem {
	out := make([]transport.MediaItem, 0, len(art.Files))
	for _, f := range art.Files {
		kind := transport.MediaDocument
		if !uncompressed {
			switch f.Kind {
			case fetch.KindPhoto:
				kind = transport.MediaPhoto
			case fetch.KindVideo:
				kind = transport.MediaVideo
			case fetch.KindAudio:
				kind = transport.MediaAudio
			}
		}
		out = append(out, transport.MediaItem{Kind: kind, Path: f.Path, Title: f.Title})
	}
	return out
}

// ChunkMedia splits items into groups of at most n.
func ChunkMedia(items []transport.MediaItem, n int) [][]transport.MediaItem {
	if n <= 0 {
		n = maxAlbumItems
	}
	var out [][]transport.MediaItem
	for len(items) > n {
		out = append(out, items[:n:n])
		items = items[n:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// TruncateCaption limits s to the Telegram caption length, ending with "…"
// when cut.
func TruncateCaption(s string) string {
	return tgui.TruncRunes(strings.TrimSpace(s), maxCaptionRunes)
}
