package router

import (
	"context"

	"tgload/internal/access"
	"tgload/internal/dispatch"
	"tgload/internal/features"
	"tgload/internal/messages"
)

func (r *Router) userCommands() []Command {
	return []Command{
		{Name: "start", Description: "what this bot does", Handle: r.text(messages.Start)},
		{Name: "help", Description: "list commands", Handle: r.text(messages.Help)},
		{Name: "uncompressed", Description: "send Instagram and Shorts media as files", Handle: r.download(dispatch.ModeUncompressed)},
		{Name: "audio", Description: "send the audio of YouTube videos", Handle: r.download(dispatch.ModeAudio)},
		{Name: "enable_captions", Description: "show Instagram captions", Handle: r.chatToggle("Captions", "enabled", r.deps.Features.EnableCaptions)},
		{Name: "disable_captions", Description: "hide Instagram captions", Handle: r.chatToggle("Captions", "disabled", r.deps.Features.DisableCaptions)},
		{Name: "enable_notifications", Description: "receive announcements", Handle: r.chatToggle("Notifications", "enabled", r.deps.Features.EnableNotifications)},
		{Name: "disable_notifications", Description: "stop announcements", Handle: r.chatToggle("Notifications", "disabled", r.deps.Features.DisableNotifications)},
	}
}

func (r *Router) text(key messages.Key) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		r.reply(ctx, req, r.deps.Messages.Get(key))
		return nil
	}
}

func (r *Router) download(mode dispatch.Mode) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		r.deps.Content.HandleMessage(ctx, req.Msg, mode)
		return nil
	}
}

type toggleFunc func(ctx context.Context, chatID int64) (features.Toggle, error)

// chatToggle flips a per-chat preference. The chat must be enabled and the
// user not banned.
func (r *Router) chatToggle(what, state string, fn toggleFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if !r.allowConfigure(ctx, req) {
			return nil
		}
		t, err := fn(ctx, req.Chat.ChatID)
		if err != nil {
			r.reply(ctx, req, r.deps.Messages.Get(messages.InternalError))
			return err
		}
		if !t.Changed() {
			r.reply(ctx, req, r.deps.Messages.Get(messages.ToggleNoNeed, what, state))
			return nil
		}
		r.reply(ctx, req, r.deps.Messages.Get(messages.Toggled, what, state))
		return nil
	}
}

func (r *Router) allowConfigure(ctx context.Context, req *Request) bool {
	d := r.deps.Gate.MayConfigure(ctx, req.Chat.ChatID, req.FromID)
	if d.Allow {
		return true
	}
	switch d.Reason {
	case access.ReasonBanned:
		r.reply(ctx, req, r.deps.Messages.Get(messages.Banned))
	case access.ReasonChatDisabled:
		if req.Msg.IsPrivate {
			r.reply(ctx, req, r.deps.Messages.Get(messages.PrivateNotEnabled, req.Chat.ChatID))
		} else {
			r.reply(ctx, req, r.deps.Messages.Get(messages.NotEnabled))
		}
	default:
		r.reply(ctx, req, r.deps.Messages.Get(messages.InternalError))
	}
	return false
}
