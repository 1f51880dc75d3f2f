package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is a received chat message, already flattened by the adapter.
//
// Text holds the message text (or media caption) followed by any URLs that
// were only present as hidden text links, one per line.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
	MentionsBot  bool
	ReplyTo      *Message
}

// Ref returns the reference used to reply to m.
func (m *Message) Ref() MessageRef {
	if m == nil {
		return MessageRef{}
	}
	return MessageRef{ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.ID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Target returns the chat a reply to ref is sent to.
func (r MessageRef) Target() ChatTarget {
	return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID}
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo is the message id the outgoing message replies to (0 for none).
	ReplyTo int
	Silent  bool
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// MediaItem is a local file to upload.
type MediaItem struct {
	Kind  MediaKind
	Path  string
	Title string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia uploads items, grouping them into albums where the platform
	// allows it. caption is attached to the first item.
	SendMedia(ctx context.Context, to ChatTarget, items []MediaItem, caption string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
