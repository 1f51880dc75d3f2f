package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "tgload/internal/transport"
	logx "tgload/pkg/logx"
)

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = tele.ParseMode(opt.ParseMode)
	so.DisableWebPagePreview = opt.DisablePreview
	so.DisableNotification = opt.Silent
	if opt.ReplyTo != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
		// the source message may be gone by the time a job finishes
		so.AllowWithoutReply = true
	}
	return so
}

// SendText sends text, split into as many messages as the API limit needs.
// Only the first part replies to opt.ReplyTo; its ref is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var mode string
	if opt != nil {
		mode = opt.ParseMode
	}
	parts := splitTelegramText(text, telegramTextLimit, mode)
	if len(parts) == 0 {
		parts = []string{""}
	}
	chat := &tele.Chat{ID: to.ChatID}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		so := sendOptions(to, opt)
		if i > 0 {
			so.ReplyTo = nil
		}
		msg, err := a.bot.Send(chat, part, so)
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// SendMedia uploads items. Photos and videos share albums while audio and
// documents get their own; a group of one goes out as a plain message.
// caption lands on the first item of the first group.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, items []kit.MediaItem, caption string, opt *kit.SendOptions) error {
	chat := &tele.Chat{ID: to.ChatID}
	for _, group := range groupMedia(items, telegramAlbumLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		album := make(tele.Album, len(group))
		for i, it := range group {
			album[i] = toInputtable(it, caption)
			caption = ""
		}
		var err error
		if len(album) == 1 {
			_, err = a.bot.Send(chat, album[0], sendOptions(to, opt))
		} else {
			_, err = a.bot.SendAlbum(chat, album, sendOptions(to, opt))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands calls setMyCommands when cmds differ from the last
// successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: c.Description})
		_, _ = h.Write([]byte(c.Command + "\x00" + c.Description + "\x00"))
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
