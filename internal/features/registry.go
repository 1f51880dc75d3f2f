// Package features exposes the per-chat and per-user toggles as idempotent
// operations that report the previous value.
package features

import (
	"context"
	"errors"
	"fmt"

	"tgload/internal/links"
	"tgload/internal/state"
)

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrCannotBanAdmin = errors.New("admins cannot be banned")
)

// Toggle is the result of a flag change.
type Toggle struct {
	Previous bool
	Current  bool
}

// Changed is false when the flag already had the requested value.
func (t Toggle) Changed() bool { return t.Previous != t.Current }

// AdminChecker reports whether a user is a configured admin.
type AdminChecker interface {
	IsAdmin(userID int64) bool
}

type Registry struct {
	st     *state.Store
	admins AdminChecker
}

func New(st *state.Store, admins AdminChecker) *Registry {
	return &Registry{st: st, admins: admins}
}

func (r *Registry) EnableChat(ctx context.Context, chatID int64) (Toggle, error) {
	return r.chatFlag(ctx, chatID, true, func(c *state.ChatState) *bool { return &c.Enabled })
}

func (r *Registry) DisableChat(ctx context.Context, chatID int64) (Toggle, error) {
	return r.chatFlag(ctx, chatID, false, func(c *state.ChatState) *bool { return &c.Enabled })
}

func (r *Registry) EnableCaptions(ctx context.Context, chatID int64) (Toggle, error) {
	return r.chatFlag(ctx, chatID, true, func(c *state.ChatState) *bool { return &c.Captions })
}

func (r *Registry) DisableCaptions(ctx context.Context, chatID int64) (Toggle, error) {
	return r.chatFlag(ctx, chatID, false, func(c *state.ChatState) *bool { return &c.Captions })
}

func (r *Registry) EnableNotifications(ctx context.Context, chatID int64) (Toggle, error) {
	return r.chatFlag(ctx, chatID, true, func(c *state.ChatState) *bool { return &c.Notifications })
}

func (r *Registry) DisableNotifications(ctx context.Context, chatID int64) (Toggle, error) {
	return r.chatFlag(ctx, chatID, false, func(c *state.ChatState) *bool { return &c.Notifications })
}

func (r *Registry) EnableFeature(ctx context.Context, chatID int64, tag string) (Toggle, error) {
	return r.setFeature(ctx, chatID, tag, true)
}

func (r *Registry) DisableFeature(ctx context.Context, chatID int64, tag string) (Toggle, error) {
	return r.setFeature(ctx, chatID, tag, false)
}

func (r *Registry) Ban(ctx context.Context, userID int64) (Toggle, error) {
	if r.admins != nil && r.admins.IsAdmin(userID) {
		return Toggle{}, ErrCannotBanAdmin
	}
	return r.userBan(ctx, userID, true)
}

func (r *Registry) Unban(ctx context.Context, userID int64) (Toggle, error) {
	return r.userBan(ctx, userID, false)
}

func (r *Registry) chatFlag(ctx context.Context, chatID int64, want bool, field func(*state.ChatState) *bool) (Toggle, error) {
	prev, next, err := r.st.UpdateChat(ctx, chatID, func(c *state.ChatState) error {
		*field(c) = want
		return nil
	})
	if err != nil {
		return Toggle{}, err
	}
	return Toggle{Previous: *field(&prev), Current: *field(&next)}, nil
}

func (r *Registry) setFeature(ctx context.Context, chatID int64, tag string, on bool) (Toggle, error) {
	f, ok := links.ParseFeature(tag)
	if !ok {
		return Toggle{}, fmt.Errorf("%w: %q", ErrUnknownFeature, tag)
	}
	prev, next, err := r.st.UpdateChat(ctx, chatID, func(c *state.ChatState) error {
		c.SetFeature(f, on)
		return nil
	})
	if err != nil {
		return Toggle{}, err
	}
	return Toggle{Previous: prev.HasFeature(f), Current: next.HasFeature(f)}, nil
}

func (r *Registry) userBan(ctx context.Context, userID int64, banned bool) (Toggle, error) {
	prev, next, err := r.st.UpdateUser(ctx, userID, func(u *state.UserState) error {
		u.Banned = banned
		return nil
	})
	if err != nil {
		return Toggle{}, err
	}
	return Toggle{Previous: prev.Banned, Current: next.Banned}, nil
}
