package access

import (
	"context"
	"errors"
	"testing"

	"tgload/internal/links"
	"tgload/internal/state"
	"tgload/internal/storage"
	logx "tgload/pkg/logx"
)

type failingReader struct{}

func (failingReader) Chat(context.Context, int64) (state.ChatState, error) {
	return state.ChatState{}, errors.New("read failed")
}
func (failingReader) User(context.Context, int64) (state.UserState, error) {
	return state.UserState{}, nil
}

func newGate(t *testing.T) (*Gate, *state.Store) {
	t.Helper()
	st, err := state.Open(context.Background(), storage.NewMemory(), links.AllFeatures, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewGate(st, logx.Nop()), st
}

func TestGateReasonPriority(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)

	if d := g.MayProcess(ctx, 1, 2, links.FeatureInstagram); d.Reason != ReasonChatDisabled {
		t.Fatalf("disabled chat: %v", d)
	}

	_, _, _ = st.UpdateChat(ctx, 1, func(c *state.ChatState) error {
		c.Enabled = true
		c.SetFeature(links.FeatureInstagram, false)
		return nil
	})
	if d := g.MayProcess(ctx, 1, 2, links.FeatureInstagram); d.Reason != ReasonFeatureDisabled {
		t.Fatalf("feature disabled: %v", d)
	}
	if d := g.MayProcess(ctx, 1, 2, links.FeatureMusic); !d.Allow {
		t.Fatalf("ytm should be allowed: %v", d)
	}

	_, _, _ = st.UpdateUser(ctx, 2, func(u *state.UserState) error { u.Banned = true; return nil })
	if d := g.MayProcess(ctx, 1, 2, links.FeatureMusic); d.Reason != ReasonBanned {
		t.Fatalf("banned beats everything: %v", d)
	}
	if d := g.MayProcess(ctx, 42, 2, links.FeatureMusic); d.Reason != ReasonBanned {
		t.Fatalf("ban applies in every chat: %v", d)
	}
}

func TestGateReadErrorDeniesAsFeatureDisabled(t *testing.T) {
	g := NewGate(failingReader{}, logx.Nop())
	d := g.MayProcess(context.Background(), 1, 2, links.FeatureShorts)
	if d.Allow || d.Reason != ReasonFeatureDisabled {
		t.Fatalf("got %v", d)
	}
	if g.ChatEnabled(context.Background(), 1) {
		t.Fatalf("read error must count as disabled")
	}
}

func TestAuthorize(t *testing.T) {
	admin := Actor{UserID: 1, ChatID: -10, IsAdmin: true}
	user := Actor{UserID: 2, ChatID: -10}

	cmds := []Command{
		EnableChats{ChatIDs: []int64{1}},
		DisableChats{ChatIDs: []int64{1}},
		BanUsers{UserIDs: []int64{3}},
		UnbanUsers{UserIDs: []int64{3}},
		EnableFeatures{ChatID: 1, Features: []string{"yt"}},
		DisableFeatures{ChatID: 1, Features: []string{"yt"}},
		Broadcast{Scope: ScopeAll, Text: "hi"},
		AdminHelp{},
		Status{},
		EnableThisChat{ChatID: -10},
		DisableThisChat{ChatID: -10},
	}
	for _, c := range cmds {
		if err := Authorize(c, admin); err != nil {
			t.Fatalf("%s: admin denied: %v", c.Name(), err)
		}
		if err := Authorize(c, user); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: user err = %v", c.Name(), err)
		}
	}

	if err := Authorize(EnableThisChat{ChatID: -11}, admin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other chat: %v", err)
	}
	if err := Authorize(Broadcast{Scope: ScopeAll, Text: "  "}, admin); !errors.Is(err, ErrUsage) {
		t.Fatalf("empty broadcast: %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, ok, err := ParseCommand("ban_users", []string{"1,2", "x", "3"}, "1,2 x 3", 5)
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	b := cmd.(BanUsers)
	if len(b.UserIDs) != 3 || len(b.Invalid) != 1 || b.Invalid[0].Raw != "x" {
		t.Fatalf("unexpected %+v", b)
	}

	if _, _, err := ParseCommand("enable_chats", nil, "", 5); !errors.Is(err, ErrUsage) {
		t.Fatalf("empty ids: %v", err)
	}
	if _, _, err := ParseCommand("enable_features", []string{"abc", "yt"}, "", 5); !errors.Is(err, ErrUsage) {
		t.Fatalf("bad chat id: %v", err)
	}

	cmd, _, _ = ParseCommand("notify_all", []string{"hello", "world"}, " hello world ", 5)
	if bc := cmd.(Broadcast); bc.Scope != ScopeAll || bc.Text != "hello world" {
		t.Fatalf("broadcast %+v", bc)
	}
	cmd, _, _ = ParseCommand("enable", nil, "", 5)
	if c := cmd.(EnableThisChat); c.ChatID != 5 {
		t.Fatalf("enable this chat %+v", c)
	}
	if _, ok, _ := ParseCommand("audio", nil, "", 5); ok {
		t.Fatalf("audio is not an admin command")
	}
}

func TestAdminsReplace(t *testing.T) {
	a := NewAdmins([]int64{1})
	if !a.IsAdmin(1) || a.IsAdmin(2) {
		t.Fatalf("initial set wrong")
	}
	a.Replace([]int64{2})
	if a.IsAdmin(1) || !a.IsAdmin(2) {
		t.Fatalf("replaced set wrong")
	}
}
