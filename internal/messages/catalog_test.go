package messages

import (
	"strings"
	"testing"
)

func TestGetRendersPlaceholders(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.SetBot("Loader", "loader_bot")
	got := c.Get(PrivateNotEnabled, int64(42))
	if !strings.Contains(got, "Loader") || !strings.Contains(got, "<code>42</code>") {
		t.Fatalf("got %q", got)
	}
	if got := c.Get(Start); !strings.Contains(got, "@loader_bot") {
		t.Fatalf("start = %q", got)
	}
}

func TestApplyOverridesAndRejectsUnknown(t *testing.T) {
	c, _ := New(nil)
	if err := c.Apply(map[string]string{"no_links": "nothing here"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := c.Get(NoLinks); got != "nothing here" {
		t.Fatalf("got %q", got)
	}
	if err := c.Apply(map[string]string{"nope": "x"}); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if got := c.Get(NoLinks); got != "nothing here" {
		t.Fatalf("failed apply changed texts: %q", got)
	}
	_ = c.Apply(nil)
	if got := c.Get(NoLinks); got != defaults[NoLinks] {
		t.Fatalf("reset = %q", got)
	}
}

func TestEveryKeyHasDefault(t *testing.T) {
	for _, k := range Keys() {
		if defaults[k] == "" {
			t.Fatalf("key %s has no default", k)
		}
	}
}
