package fetch

import (
	"context"
	"errors"
	"strings"
)

var rules = []struct {
	kind    ErrorKind
	needles []string
}{
	{RateLimited, []string{"429", "too many requests", "rate limit", "rate-limit", "please wait a few minutes", "sign in to confirm you"}},
	{NotFound, []string{"404", "not found", "not available", "unavailable", "private video", "has been removed", "does not exist", "login required", "no media", "profile", "deleted"}},
	{UnsupportedVariant, []string{"unsupported url", "no video formats", "requested format is not available"}},
}

// Classify maps a tool or library error onto an ErrorKind by its message.
// Errors that already carry a kind keep it.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: Transient, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return &Error{Kind: r.kind, Err: err}
			}
		}
	}
	return &Error{Kind: Transient, Err: err}
}
