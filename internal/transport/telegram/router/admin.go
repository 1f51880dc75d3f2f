package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tgload/internal/access"
	"tgload/internal/features"
	"tgload/internal/messages"
	"tgload/internal/notifier/broadcast"
	"tgload/internal/storage"
	"tgload/pkg/tgui"
)

func (r *Router) adminCommands() []Command {
	admin := func(name, desc string) Command {
		return Command{Name: name, Description: desc, Access: AccessAdmin, Handle: r.admin}
	}
	return []Command{
		admin("enable", "enable the bot in this chat"),
		admin("disable", "disable the bot in this chat"),
		admin("admin_commands", "list admin commands"),
		admin("enable_chats", "enable chats by ID"),
		admin("disable_chats", "disable chats by ID"),
		admin("ban_users", "ban users by ID"),
		admin("unban_users", "unban users by ID"),
		admin("enable_features", "enable features in a chat"),
		admin("disable_features", "disable features in a chat"),
		admin("notify_subscribers", "announce to subscribed chats"),
		admin("notify_all", "announce to every enabled chat"),
		admin("status", "bot status"),
	}
}

func (r *Router) admin(ctx context.Context, req *Request) error {
	actor := access.Actor{
		UserID:  req.FromID,
		ChatID:  req.Chat.ChatID,
		IsAdmin: r.deps.Admins.IsAdmin(req.FromID),
	}
	cmd, _, err := access.ParseCommand(req.Command, req.Args, req.RawArgs, req.Chat.ChatID)
	if err == nil {
		err = access.Authorize(cmd, actor)
	}
	switch {
	case err == nil:
	case !actor.IsAdmin || errors.Is(err, access.ErrForbidden):
		r.reply(ctx, req, r.deps.Messages.Get(messages.NotAdmin))
		return nil
	case errors.Is(err, access.ErrUsage):
		r.reply(ctx, req, r.deps.Messages.Get(messages.Usage, tgui.Esc(strings.TrimPrefix(err.Error(), access.ErrUsage.Error()+": "))))
		return nil
	default:
		return err
	}
	return r.execute(ctx, req, cmd)
}

func (r *Router) execute(ctx context.Context, req *Request, cmd access.Command) error {
	m := r.deps.Messages
	f := r.deps.Features
	switch c := cmd.(type) {
	case access.EnableThisChat:
		return r.thisChat(ctx, req, cmd, "enabled", func() (features.Toggle, error) { return f.EnableChat(ctx, c.ChatID) })
	case access.DisableThisChat:
		return r.thisChat(ctx, req, cmd, "disabled", func() (features.Toggle, error) { return f.DisableChat(ctx, c.ChatID) })
	case access.EnableChats:
		return r.perID(ctx, req, cmd, c.ChatIDs, c.Invalid, "enabled", f.EnableChat)
	case access.DisableChats:
		return r.perID(ctx, req, cmd, c.ChatIDs, c.Invalid, "disabled", f.DisableChat)
	case access.BanUsers:
		return r.perID(ctx, req, cmd, c.UserIDs, c.Invalid, "banned", f.Ban)
	case access.UnbanUsers:
		return r.perID(ctx, req, cmd, c.UserIDs, c.Invalid, "unbanned", f.Unban)
	case access.EnableFeatures:
		return r.perFeature(ctx, req, cmd, c.ChatID, c.Features, "enabled", f.EnableFeature)
	case access.DisableFeatures:
		return r.perFeature(ctx, req, cmd, c.ChatID, c.Features, "disabled", f.DisableFeature)
	case access.Broadcast:
		return r.broadcast(ctx, req, c)
	case access.AdminHelp:
		r.reply(ctx, req, m.Get(messages.AdminHelp))
		return nil
	case access.Status:
		r.reply(ctx, req, r.statusText())
		return nil
	default:
		return fmt.Errorf("%w: %T", access.ErrUnknownCommand, cmd)
	}
}

func (r *Router) thisChat(ctx context.Context, req *Request, cmd access.Command, state string, fn func() (features.Toggle, error)) error {
	t, err := fn()
	r.audit(ctx, req, cmd, strconv.FormatInt(req.Chat.ChatID, 10), boolInt(err == nil), boolInt(err != nil), err)
	if err != nil {
		r.reply(ctx, req, r.deps.Messages.Get(messages.InternalError))
		return err
	}
	key := messages.Toggled
	if !t.Changed() {
		key = messages.ToggleNoNeed
	}
	r.reply(ctx, req, r.deps.Messages.Get(key, "This chat", state))
	return nil
}

// perID applies fn to every ID and answers with one line per argument.
func (r *Router) perID(ctx context.Context, req *Request, cmd access.Command, ids []int64, invalid []access.InvalidArg, state string, fn func(context.Context, int64) (features.Toggle, error)) error {
	m := r.deps.Messages
	var lines []string
	for _, bad := range invalid {
		lines = append(lines, m.Get(messages.ArgNotInt, tgui.Esc(bad.Raw)))
	}
	ok, failed := 0, 0
	var firstErr error
	for _, id := range ids {
		t, err := fn(ctx, id)
		switch {
		case errors.Is(err, features.ErrCannotBanAdmin):
			lines = append(lines, m.Get(messages.ArgAdmin, id))
			failed++
		case err != nil:
			lines = append(lines, m.Get(messages.ItemFailed, id, tgui.Esc(err.Error())))
			failed++
			if firstErr == nil {
				firstErr = err
			}
		case !t.Changed():
			lines = append(lines, m.Get(messages.ItemNoNeed, id, state))
			ok++
		default:
			lines = append(lines, m.Get(messages.ItemSuccess, id, state))
			ok++
		}
	}
	r.audit(ctx, req, cmd, joinIDs(ids), ok, failed+len(invalid), firstErr)
	r.reply(ctx, req, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) perFeature(ctx context.Context, req *Request, cmd access.Command, chatID int64, tags []string, state string, fn func(context.Context, int64, string) (features.Toggle, error)) error {
	m := r.deps.Messages
	var lines []string
	ok, failed := 0, 0
	var firstErr error
	for _, tag := range tags {
		t, err := fn(ctx, chatID, tag)
		switch {
		case errors.Is(err, features.ErrUnknownFeature):
			lines = append(lines, m.Get(messages.ArgUnknownFeature, tgui.Esc(tag)))
			failed++
		case err != nil:
			lines = append(lines, m.Get(messages.ItemFailed, tgui.Esc(tag), tgui.Esc(err.Error())))
			failed++
			if firstErr == nil {
				firstErr = err
			}
		case !t.Changed():
			lines = append(lines, m.Get(messages.ItemNoNeed, tgui.Esc(tag), state))
			ok++
		default:
			lines = append(lines, m.Get(messages.ItemSuccess, tgui.Esc(tag), state))
			ok++
		}
	}
	target := strconv.FormatInt(chatID, 10) + ":" + strings.Join(tags, ",")
	r.audit(ctx, req, cmd, target, ok, failed, firstErr)
	r.reply(ctx, req, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) broadcast(ctx context.Context, req *Request, c access.Broadcast) error {
	m := r.deps.Messages
	// The report arrives after this handler has returned.
	later := context.WithoutCancel(ctx)
	n, err := r.deps.Broadcast.Broadcast(ctx, broadcast.Request{Content: c.Text, Scope: c.Scope, IssuedBy: req.FromID}, func(rep broadcast.Report) {
		r.audit(later, req, c, string(c.Scope), rep.Sent, rep.Failed, nil)
		r.reply(later, req, m.Get(messages.BroadcastDone, rep.Total, rep.Sent, rep.Failed))
	})
	switch {
	case errors.Is(err, broadcast.ErrNoTargets):
		r.reply(ctx, req, m.Get(messages.BroadcastNoTargets))
		return nil
	case err != nil:
		r.audit(ctx, req, c, string(c.Scope), 0, 0, err)
		r.reply(ctx, req, m.Get(messages.InternalError))
		return err
	}
	r.reply(ctx, req, m.Get(messages.BroadcastStarted, n))
	return nil
}

func (r *Router) statusText() string {
	snap := r.deps.Jobs.Snapshot()
	chats, enabled, banned := r.deps.State.Counts()
	uptime := time.Since(r.startedAt).Truncate(time.Second)
	return r.deps.Messages.Get(messages.Status,
		uptime, snap.Running, snap.Queued, snap.Max, snap.Peak,
		snap.Succeeded, snap.Failed, snap.TimedOut,
		chats, enabled, banned,
	)
}

func (r *Router) audit(ctx context.Context, req *Request, cmd access.Command, target string, ok, fail int, err error) {
	e := storage.AuditEntry{
		At:            time.Now().UTC(),
		ActorID:       req.FromID,
		ActorUsername: req.Msg.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        cmd.Name(),
		Target:        target,
		OK:            ok,
		Fail:          fail,
	}
	if err != nil {
		e.Error = err.Error()
	}
	r.deps.State.Audit(ctx, e)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
