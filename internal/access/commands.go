package access

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrUnknownCommand = errors.New("unknown admin command")
	ErrUsage          = errors.New("bad usage")
)

// Command is the closed set of admin commands. Only types in this file
// implement it.
type Command interface {
	Name() string
	adminCommand()
}

type BroadcastScope string

const (
	ScopeSubscribers BroadcastScope = "subscribers"
	ScopeAll         BroadcastScope = "all"
)

// InvalidArg is an argument that did not parse as an integer ID.
type InvalidArg struct {
	Raw string
}

type EnableChats struct {
	ChatIDs []int64
	Invalid []InvalidArg
}

type DisableChats struct {
	ChatIDs []int64
	Invalid []InvalidArg
}

type BanUsers struct {
	UserIDs []int64
	Invalid []InvalidArg
}

type UnbanUsers struct {
	UserIDs []int64
	Invalid []InvalidArg
}

type EnableFeatures struct {
	ChatID   int64
	Features []string
}

type DisableFeatures struct {
	ChatID   int64
	Features []string
}

type Broadcast struct {
	Scope BroadcastScope
	Text  string
}

type AdminHelp struct{}

type Status struct{}

// EnableThisChat and DisableThisChat act on the chat the command was sent in.
type EnableThisChat struct{ ChatID int64 }

type DisableThisChat struct{ ChatID int64 }

func (EnableChats) Name() string     { return "enable_chats" }
func (DisableChats) Name() string    { return "disable_chats" }
func (BanUsers) Name() string        { return "ban_users" }
func (UnbanUsers) Name() string      { return "unban_users" }
func (EnableFeatures) Name() string  { return "enable_features" }
func (DisableFeatures) Name() string { return "disable_features" }
func (b Broadcast) Name() string {
	if b.Scope == ScopeAll {
		return "notify_all"
	}
	return "notify_subscribers"
}
func (AdminHelp) Name() string       { return "admin_commands" }
func (Status) Name() string          { return "status" }
func (EnableThisChat) Name() string  { return "enable" }
func (DisableThisChat) Name() string { return "disable" }

func (EnableChats) adminCommand()     {}
func (DisableChats) adminCommand()    {}
func (BanUsers) adminCommand()        {}
func (UnbanUsers) adminCommand()      {}
func (EnableFeatures) adminCommand()  {}
func (DisableFeatures) adminCommand() {}
func (Broadcast) adminCommand()       {}
func (AdminHelp) adminCommand()       {}
func (Status) adminCommand()          {}
func (EnableThisChat) adminCommand()  {}
func (DisableThisChat) adminCommand() {}

// Actor is the user issuing a command.
type Actor struct {
	UserID  int64
	ChatID  int64
	IsAdmin bool
}

// Authorize returns nil when actor may run cmd. A non-nil result means
// the command must not touch state.
func Authorize(cmd Command, actor Actor) error {
	switch c := cmd.(type) {
	case EnableChats, DisableChats, BanUsers, UnbanUsers,
		EnableFeatures, DisableFeatures, AdminHelp, Status:
		return requireAdmin(actor)
	case Broadcast:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty broadcast", ErrUsage)
		}
		return requireAdmin(actor)
	case EnableThisChat:
		return requireAdminIn(actor, c.ChatID)
	case DisableThisChat:
		return requireAdminIn(actor, c.ChatID)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func requireAdmin(a Actor) error {
	if !a.IsAdmin {
		return ErrForbidden
	}
	return nil
}

func requireAdminIn(a Actor, chatID int64) error {
	if err := requireAdmin(a); err != nil {
		return err
	}
	if chatID == 0 || chatID != a.ChatID {
		return fmt.Errorf("%w: command must target the current chat", ErrForbidden)
	}
	return nil
}

// ParseCommand builds the admin command for route. chatID is the chat the
// command arrived in. ok is false when route is not an admin command.
func ParseCommand(route string, args []string, rawArgs string, chatID int64) (cmd Command, ok bool, err error) {
	switch route {
	case "enable_chats":
		ids, bad := ParseIDs(args)
		return EnableChats{ChatIDs: ids, Invalid: bad}, true, nonEmpty(ids, bad)
	case "disable_chats":
		ids, bad := ParseIDs(args)
		return DisableChats{ChatIDs: ids, Invalid: bad}, true, nonEmpty(ids, bad)
	case "ban_users":
		ids, bad := ParseIDs(args)
		return BanUsers{UserIDs: ids, Invalid: bad}, true, nonEmpty(ids, bad)
	case "unban_users":
		ids, bad := ParseIDs(args)
		return UnbanUsers{UserIDs: ids, Invalid: bad}, true, nonEmpty(ids, bad)
	case "enable_features", "disable_features":
		if len(args) < 2 {
			return nil, true, fmt.Errorf("%w: /%s CHAT_ID FEATURE...", ErrUsage, route)
		}
		id, perr := strconv.ParseInt(args[0], 10, 64)
		if perr != nil {
			return nil, true, fmt.Errorf("%w: %q is not an integer", ErrUsage, args[0])
		}
		if route == "enable_features" {
			return EnableFeatures{ChatID: id, Features: args[1:]}, true, nil
		}
		return DisableFeatures{ChatID: id, Features: args[1:]}, true, nil
	case "notify_subscribers":
		return Broadcast{Scope: ScopeSubscribers, Text: strings.TrimSpace(rawArgs)}, true, nil
	case "notify_all":
		return Broadcast{Scope: ScopeAll, Text: strings.TrimSpace(rawArgs)}, true, nil
	case "admin_commands":
		return AdminHelp{}, true, nil
	case "status":
		return Status{}, true, nil
	case "enable":
		return EnableThisChat{ChatID: chatID}, true, nil
	case "disable":
		return DisableThisChat{ChatID: chatID}, true, nil
	default:
		return nil, false, nil
	}
}

// ParseIDs splits args into integer IDs and the arguments that failed to parse.
// Commas are accepted as separators.
func ParseIDs(args []string) (ids []int64, invalid []InvalidArg) {
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				invalid = append(invalid, InvalidArg{Raw: part})
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, invalid
}

func nonEmpty(ids []int64, bad []InvalidArg) error {
	if len(ids) == 0 && len(bad) == 0 {
		return fmt.Errorf("%w: at least one ID is required", ErrUsage)
	}
	return nil
}
