// Package access decides who may do what: content requests go through Gate,
// admin commands through Authorize.
package access

import (
	"context"
	"sync/atomic"

	"tgload/internal/links"
	"tgload/internal/state"
	logx "tgload/pkg/logx"
)

type Reason string

const (
	ReasonBanned          Reason = "banned"
	ReasonChatDisabled    Reason = "chat_disabled"
	ReasonFeatureDisabled Reason = "feature_disabled"
)

type Decision struct {
	Allow  bool
	Reason Reason
}

func allow() Decision        { return Decision{Allow: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

func (d Decision) String() string {
	if d.Allow {
		return "allow"
	}
	return "deny(" + string(d.Reason) + ")"
}

// StateReader is the read side of the state store.
type StateReader interface {
	Chat(ctx context.Context, chatID int64) (state.ChatState, error)
	User(ctx context.Context, userID int64) (state.UserState, error)
}

type Gate struct {
	st  StateReader
	log logx.Logger
}

func NewGate(st StateReader, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{st: st, log: log.With(logx.String("comp", "access"))}
}

// MayProcess decides whether userID may download a feature in chatID.
// Deny reasons are checked in order: banned, chat disabled, feature disabled.
// Any state read error yields feature_disabled.
func (g *Gate) MayProcess(ctx context.Context, chatID, userID int64, f links.Feature) Decision {
	d, c, ok := g.chatAndUser(ctx, chatID, userID)
	if !ok || !d.Allow {
		return d
	}
	if !c.HasFeature(f) {
		return deny(ReasonFeatureDisabled)
	}
	return allow()
}

// MayConfigure decides whether userID may change per-chat preferences
// (captions, notifications) in chatID.
func (g *Gate) MayConfigure(ctx context.Context, chatID, userID int64) Decision {
	d, _, _ := g.chatAndUser(ctx, chatID, userID)
	return d
}

// ChatEnabled reports whether chatID is enabled. Read errors count as disabled.
func (g *Gate) ChatEnabled(ctx context.Context, chatID int64) bool {
	c, err := g.st.Chat(ctx, chatID)
	return err == nil && c.Enabled
}

func (g *Gate) chatAndUser(ctx context.Context, chatID, userID int64) (Decision, state.ChatState, bool) {
	u, err := g.st.User(ctx, userID)
	if err != nil {
		g.log.Warn("user read failed", logx.Int64("user_id", userID), logx.Err(err))
		return deny(ReasonFeatureDisabled), state.ChatState{}, false
	}
	if u.Banned {
		return deny(ReasonBanned), state.ChatState{}, true
	}
	c, err := g.st.Chat(ctx, chatID)
	if err != nil {
		g.log.Warn("chat read failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return deny(ReasonFeatureDisabled), state.ChatState{}, false
	}
	if !c.Enabled {
		return deny(ReasonChatDisabled), c, true
	}
	return allow(), c, true
}

// Admins is the hot-swappable set of admin user IDs.
type Admins struct {
	set atomic.Pointer[map[int64]struct{}]
}

func NewAdmins(ids []int64) *Admins {
	a := &Admins{}
	a.Replace(ids)
	return a
}

func (a *Admins) Replace(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	a.set.Store(&m)
}

func (a *Admins) IsAdmin(userID int64) bool {
	p := a.set.Load()
	if p == nil {
		return false
	}
	_, ok := (*p)[userID]
	return ok
}
