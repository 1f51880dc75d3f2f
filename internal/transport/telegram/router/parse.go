package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID tags the log lines of one routed update.
func newReqID() string {
	id := uuid.NewString()
	return id[:8]
}

// commandLine is a parsed "/name@bot args..." message.
type commandLine struct {
	Name string
	// Bot is the lowercased username after '@', if any.
	Bot     string
	Args    []string
	RawArgs string
}

// parseCommandLine reports ok only for text starting with '/' and a name.
func parseCommandLine(text string) (commandLine, bool) {
	text = strings.TrimSpace(text)
	head, ok := strings.CutPrefix(text, "/")
	if !ok {
		return commandLine{}, false
	}
	var cl commandLine
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, cl.RawArgs = head[:i], strings.TrimSpace(head[i:])
	}
	head, bot, _ := strings.Cut(head, "@")
	if head == "" {
		return commandLine{}, false
	}
	cl.Name = strings.ToLower(head)
	cl.Bot = strings.ToLower(bot)
	cl.Args = splitArgs(cl.RawArgs)
	return cl, true
}

// splitArgs splits on whitespace. Single or double quotes group words and a
// backslash escapes the next byte.
func splitArgs(s string) []string {
	var (
		args    []string
		cur     []byte
		started bool
		quote   byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			cur, started = append(cur, s[i]), true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur = append(cur, c)
			}
		case c == '"' || c == '\'':
			quote, started = c, true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if started {
				args = append(args, string(cur))
				cur, started = cur[:0], false
			}
		default:
			cur, started = append(cur, c), true
		}
	}
	if started {
		args = append(args, string(cur))
	}
	return args
}
