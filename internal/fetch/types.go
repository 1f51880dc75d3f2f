// Package fetch downloads media for a classified link into a work directory.
// Adapters run inside the isolated worker process; the bot process only sees
// the resulting Artifact or a typed Error.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"tgload/internal/links"
)

type MediaKind string

const (
	KindPhoto MediaKind = "photo"
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// File is one downloaded media file.
type File struct {
	Kind  MediaKind `json:"kind"`
	Path  string    `json:"path"`
	Title string    `json:"title,omitempty"`
}

// Artifact is the manifest of a finished download.
type Artifact struct {
	Files   []File `json:"files"`
	Caption string `json:"caption,omitempty"`
	WorkDir string `json:"work_dir"`
}

func (a Artifact) Empty() bool { return len(a.Files) == 0 }

// Request is what an adapter needs to fetch one link.
type Request struct {
	JobID        string           `json:"job_id"`
	Link         links.Descriptor `json:"link"`
	WorkDir      string           `json:"work_dir"`
	AudioOnly    bool             `json:"audio_only,omitempty"`
	Uncompressed bool             `json:"uncompressed,omitempty"`
}

// Adapter fetches one platform.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req Request) (Artifact, error)
}

type ErrorKind string

const (
	NotFound           ErrorKind = "not_found"
	RateLimited        ErrorKind = "rate_limited"
	Transient          ErrorKind = "transient"
	UnsupportedVariant ErrorKind = "unsupported_variant"
)

// Error is an adapter failure with a user-facing category.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err; unknown errors are Transient.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Transient
}
