package adapter

import (
	"path/filepath"
	"strings"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"

	kit "tgload/internal/transport"
)

const (
	telegramTextLimit  = 4000
	telegramAlbumLimit = 10
)

// flattenMessage converts m into a transport message. Captions stand in for
// text, and URLs only reachable through text_link entities are appended one
// per line. The replied-to message is flattened one level deep.
func flattenMessage(m *tele.Message, botID int64, botUsername string) *kit.Message {
	if m == nil {
		return nil
	}
	text, ents := m.Text, m.Entities
	if text == "" {
		text, ents = m.Caption, m.CaptionEntities
	}

	out := &kit.Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Text:     appendHiddenLinks(text, ents),
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.IsPrivate = m.Chat.Type == tele.ChatPrivate
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	out.MentionsBot = mentions(text, ents, botID, botUsername)

	if m.ReplyTo != nil {
		r := *m.ReplyTo
		r.ReplyTo = nil
		out.ReplyTo = flattenMessage(&r, botID, botUsername)
		if out.ReplyTo.ChatID == 0 {
			out.ReplyTo.ChatID = out.ChatID
		}
	}
	return out
}

// appendHiddenLinks adds the target of every text_link entity to text, one
// per line and in entity order. Repeats are kept; an entity whose label is
// already its own URL is skipped.
func appendHiddenLinks(text string, ents tele.Entities) string {
	var b strings.Builder
	b.WriteString(text)
	for _, e := range ents {
		if e.Type != tele.EntityTextLink || e.URL == "" {
			continue
		}
		if entityText(text, e) == e.URL {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.URL)
	}
	return b.String()
}

func mentions(text string, ents tele.Entities, botID int64, botUsername string) bool {
	want := "@" + strings.TrimPrefix(strings.ToLower(botUsername), "@")
	for _, e := range ents {
		switch e.Type {
		case tele.EntityMention:
			if botUsername != "" && strings.ToLower(entityText(text, e)) == want {
				return true
			}
		case tele.EntityTMention:
			if e.User != nil && botID != 0 && e.User.ID == botID {
				return true
			}
		}
	}
	return false
}

// entityText cuts e out of text. Entity offsets count UTF-16 code units.
func entityText(text string, e tele.MessageEntity) string {
	u := utf16.Encode([]rune(text))
	start, end := e.Offset, e.Offset+e.Length
	if start < 0 || end > len(u) || start > end {
		return ""
	}
	return string(utf16.Decode(u[start:end]))
}

type mediaClass int

const (
	classVisual mediaClass = iota
	classAudio
	classDocument
)

func classOf(k kit.MediaKind) mediaClass {
	switch k {
	case kit.MediaPhoto, kit.MediaVideo:
		return classVisual
	case kit.MediaAudio:
		return classAudio
	default:
		return classDocument
	}
}

// groupMedia splits items into runs that Telegram accepts as one album,
// keeping the original order. Each run holds at most limit items.
func groupMedia(items []kit.MediaItem, limit int) [][]kit.MediaItem {
	if limit <= 0 {
		limit = telegramAlbumLimit
	}
	var out [][]kit.MediaItem
	for _, it := range items {
		n := len(out)
		if n > 0 && len(out[n-1]) < limit && classOf(out[n-1][0].Kind) == classOf(it.Kind) {
			out[n-1] = append(out[n-1], it)
			continue
		}
		out = append(out, []kit.MediaItem{it})
	}
	return out
}

func toInputtable(it kit.MediaItem, caption string) tele.Inputtable {
	file := tele.FromDisk(it.Path)
	name := filepath.Base(it.Path)
	switch it.Kind {
	case kit.MediaPhoto:
		return &tele.Photo{File: file, Caption: caption}
	case kit.MediaVideo:
		return &tele.Video{File: file, Caption: caption, FileName: name, Streaming: true}
	case kit.MediaAudio:
		return &tele.Audio{File: file, Caption: caption, FileName: name, Title: it.Title}
	default:
		return &tele.Document{File: file, Caption: caption, FileName: name}
	}
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		// Don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
