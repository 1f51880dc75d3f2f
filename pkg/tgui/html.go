// Package tgui holds helpers for text sent with Telegram's HTML parse mode.
package tgui

import (
	"fmt"
	"html"
	"strings"
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Esc escapes the three characters Telegram's HTML parser reserves. Quotes
// are left alone so user text reads the same.
func Esc(s string) string { return escaper.Replace(s) }

// Bold wraps escaped s in <b>.
func Bold(s string) string { return "<b>" + Esc(s) + "</b>" }

// Code wraps escaped s in <code>.
func Code(s string) string { return "<code>" + Esc(s) + "</code>" }

// Link renders an anchor; the href is attribute-escaped.
func Link(text, url string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), Esc(text))
}
