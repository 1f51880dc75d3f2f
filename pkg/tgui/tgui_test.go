package tgui

import (
	"strings"
	"testing"
)

func TestEsc(t *testing.T) {
	if got := Esc(`a<b>&"c"`); got != `a&lt;b&gt;&amp;"c"` {
		t.Fatalf("Esc = %q", got)
	}
	if got := Bold("1<2"); got != "<b>1&lt;2</b>" {
		t.Fatalf("Bold = %q", got)
	}
	if got := Link("x&y", `https://e.com/?a="1"`); got != `<a href="https://e.com/?a=&#34;1&#34;">x&amp;y</a>` {
		t.Fatalf("Link = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("exact", 5); got != "exact" {
		t.Fatalf("got %q", got)
	}
	got := TruncRunes(strings.Repeat("я", 20), 8)
	if n := len([]rune(got)); n != 8 || !strings.HasSuffix(got, "…") {
		t.Fatalf("got %q (%d runes)", got, n)
	}
	if got := TruncRunes("abc", 1); got != "…" {
		t.Fatalf("n=1: %q", got)
	}
	if got := TruncRunes("abc", 0); got != "" {
		t.Fatalf("n=0: %q", got)
	}
}
