// Package messages holds the user-facing texts. Every text can be overridden
// from config; overrides are swapped atomically on reload.
//
// Texts are HTML. Placeholders: {bot_name}, {bot_username} and positional
// {0}, {1}, ... for per-call arguments.
package messages

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

type Key string

const (
	Start              Key = "start"
	Help               Key = "help"
	AdminHelp          Key = "admin_commands"
	NotAdmin           Key = "not_admin"
	NotEnabled         Key = "not_enabled"
	PrivateNotEnabled  Key = "private_not_enabled"
	Banned             Key = "banned"
	FeatureDisabled    Key = "feature_disabled"
	NoLinks            Key = "no_links"
	Unsupported        Key = "unsupported"
	Busy               Key = "busy"
	Usage              Key = "usage"
	InternalError      Key = "internal_error"
	ErrNotFound        Key = "err_not_found"
	ErrRateLimited     Key = "err_rate_limited"
	ErrTransient       Key = "err_transient"
	ErrUnsupported     Key = "err_unsupported"
	TimedOut           Key = "timed_out"
	Stopped            Key = "stopped"
	SendFailed         Key = "send_failed"
	Toggled            Key = "toggled"
	ToggleNoNeed       Key = "toggle_no_need"
	ArgNotInt          Key = "arg_not_int"
	ArgAdmin           Key = "arg_admin"
	ArgUnknownFeature  Key = "arg_unknown_feature"
	ItemSuccess        Key = "item_success"
	ItemNoNeed         Key = "item_no_need"
	ItemFailed         Key = "item_failed"
	BroadcastStarted   Key = "broadcast_started"
	BroadcastDone      Key = "broadcast_done"
	BroadcastNoTargets Key = "broadcast_no_targets"
	Status             Key = "status"
)

var defaults = map[Key]string{
	Start: "Hi! I'm {bot_name}. Send me a link to an Instagram post, reel or story, " +
		"a YouTube Short or a YouTube Music track or album and I'll reply with the media.\n" +
		"Mention {bot_username} in a reply to a message with links to fetch them. See /help.",
	Help: "<b>Commands</b>\n" +
		"/uncompressed LINKS - send Instagram and Shorts media as files\n" +
		"/audio LINKS - send the audio of YouTube videos and Shorts\n" +
		"/enable_captions, /disable_captions - Instagram captions in this chat\n" +
		"/enable_notifications, /disable_notifications - announcements in this chat\n" +
		"Mention {bot_username} in a reply to fetch the links of that message.",
	AdminHelp: "<b>Admin commands</b>\n" +
		"/enable, /disable - this chat\n" +
		"/enable_chats IDS, /disable_chats IDS\n" +
		"/ban_users IDS, /unban_users IDS\n" +
		"/enable_features CHAT FEATURES, /disable_features CHAT FEATURES (inst, yt_shorts, ytm, yt)\n" +
		"/notify_subscribers TEXT, /notify_all TEXT\n" +
		"/status",
	NotAdmin:           "This command is for bot admins only.",
	NotEnabled:         "{bot_name} is not enabled in this chat.",
	PrivateNotEnabled:  "{bot_name} is not enabled for you yet. Ask an admin to enable this chat (ID <code>{0}</code>).",
	Banned:             "You are banned from using {bot_name}.",
	FeatureDisabled:    "{0} downloads are disabled in this chat.",
	NoLinks:            "No supported links found.",
	Unsupported:        "This link is not supported: {0}",
	Busy:               "I'm busy right now, please try again in a moment.",
	Usage:              "Usage: {0}",
	InternalError:      "Something went wrong. The admins have been notified.",
	ErrNotFound:        "Couldn't find media at this link. It may be private or deleted.",
	ErrRateLimited:     "The platform is rate limiting downloads right now. Please try again later.",
	ErrTransient:       "The download failed. Please try again later.",
	ErrUnsupported:     "This kind of link is not supported.",
	TimedOut:           "The download took too long and was cancelled.",
	Stopped:            "The bot is restarting; please send the link again in a minute.",
	SendFailed:         "Downloaded, but Telegram refused the upload.",
	Toggled:            "{0}: {1}.",
	ToggleNoNeed:       "{0} is already {1}.",
	ArgNotInt:          "<code>{0}</code> is not an integer.",
	ArgAdmin:           "<code>{0}</code> is an admin and cannot be banned.",
	ArgUnknownFeature:  "<code>{0}</code> is not a feature (inst, yt_shorts, ytm, yt).",
	ItemSuccess:        "<code>{0}</code>: {1}.",
	ItemNoNeed:         "<code>{0}</code>: already {1}.",
	ItemFailed:         "<code>{0}</code>: failed ({1}).",
	BroadcastStarted:   "Sending to {0} chats...",
	BroadcastDone:      "Broadcast finished: {1} of {0} sent, {2} failed.",
	BroadcastNoTargets: "No chats to notify.",
	Status: "<b>Status</b>\nuptime: {0}\njobs: {1} running, {2} queued (max {3}, peak {4})\n" +
		"done: {5} ok, {6} failed, {7} timed out\nchats: {8} known, {9} enabled; banned users: {10}",
}

// Keys lists every known key, sorted.
func Keys() []Key {
	out := make([]Key, 0, len(defaults))
	for k := range defaults {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Catalog struct {
	texts atomic.Pointer[map[Key]string]
	bot   atomic.Pointer[[2]string]
}

func New(overrides map[string]string) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Apply(overrides); err != nil {
		return nil, err
	}
	c.SetBot("bot", "")
	return c, nil
}

// Validate rejects override keys that are not known texts.
func Validate(overrides map[string]string) error {
	var unknown []string
	for k := range overrides {
		if _, ok := defaults[Key(k)]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown message keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Apply replaces the overrides. Keys not overridden fall back to defaults.
func (c *Catalog) Apply(overrides map[string]string) error {
	if err := Validate(overrides); err != nil {
		return err
	}
	m := make(map[Key]string, len(defaults))
	for k, v := range defaults {
		m[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			m[Key(k)] = v
		}
	}
	c.texts.Store(&m)
	return nil
}

// SetBot sets the values of {bot_name} and {bot_username}.
func (c *Catalog) SetBot(name, username string) {
	if username != "" && !strings.HasPrefix(username, "@") {
		username = "@" + username
	}
	c.bot.Store(&[2]string{name, username})
}

// Get renders key with args.
func (c *Catalog) Get(key Key, args ...any) string {
	text := ""
	if m := c.texts.Load(); m != nil {
		text = (*m)[key]
	}
	if text == "" {
		text = defaults[key]
	}
	if text == "" {
		return string(key)
	}

	bot := c.bot.Load()
	pairs := make([]string, 0, 4+2*len(args))
	if bot != nil {
		pairs = append(pairs, "{bot_name}", bot[0], "{bot_username}", bot[1])
	}
	for i, a := range args {
		pairs = append(pairs, "{"+strconv.Itoa(i)+"}", fmt.Sprint(a))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
