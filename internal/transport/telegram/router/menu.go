package router

import (
	"strings"

	kit "tgload/internal/transport"
)

// Telegram limits for setMyCommands.
const (
	maxMenuCommands = 100
	maxCommandName  = 32
	maxCommandDesc  = 256
)

// menuName maps a command name onto [a-z0-9_]{1,32}, starting with a letter.
// Separators collapse into one underscore; anything else is dropped.
func menuName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case strings.ContainsRune("_-/ \t", r):
			pendingSep = true
		}
	}
	name := b.String()
	if name != "" && name[0] <= '9' {
		name = "cmd_" + name
	}
	if len(name) > maxCommandName {
		name = strings.TrimRight(name[:maxCommandName], "_")
	}
	return name
}

// menuDescription flattens d to one line; admin commands get a lock.
func menuDescription(c Command, name string) string {
	d := strings.Join(strings.Fields(c.Description), " ")
	if d == "" {
		d = name
	}
	if c.Access == AccessAdmin {
		d = "🔒 " + d
	}
	if len(d) > maxCommandDesc {
		d = d[:maxCommandDesc]
	}
	return d
}

// buildMenuCommands keeps registration order and drops hidden commands and
// names that collide after normalization.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	seen := make(map[string]struct{}, len(cmds))
	var out []kit.BotCommand
	for _, c := range cmds {
		name := menuName(c.Name)
		if c.Hidden || name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, kit.BotCommand{Command: name, Description: menuDescription(c, name)})
		if len(out) == maxMenuCommands {
			break
		}
	}
	return out
}
