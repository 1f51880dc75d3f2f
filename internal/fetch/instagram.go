package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"tgload/internal/links"
	logx "tgload/pkg/logx"
)

// InstagramConfig configures the instaloader CLI.
type InstagramConfig struct {
	Binary      string
	SessionUser string
	SessionFile string
}

// Instagram fetches posts, reels and stories with instaloader.
type Instagram struct {
	cfg InstagramConfig
	log logx.Logger
}

func NewInstagram(cfg InstagramConfig, log logx.Logger) *Instagram {
	if cfg.Binary == "" {
		cfg.Binary = "instaloader"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Instagram{cfg: cfg, log: log.With(logx.String("adapter", "instagram"))}
}

func (i *Instagram) Name() string { return "instagram" }

func (i *Instagram) Fetch(ctx context.Context, req Request) (Artifact, error) {
	args, err := i.args(req)
	if err != nil {
		return Artifact{}, err
	}
	cmd := exec.CommandContext(ctx, i.cfg.Binary, args...)
	cmd.Dir = req.WorkDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	i.log.Debug("running instaloader", logx.String("url", req.Link.CanonicalURL))
	if err := cmd.Run(); err != nil {
		var ee *exec.Error
		if errors.As(err, &ee) {
			return Artifact{}, Errorf(Transient, "instaloader not available: %v", err)
		}
		return Artifact{}, Classify(fmt.Errorf("instaloader: %w: %s", err, tail(stderr.String(), 300)))
	}

	files, err := ScanDir(req.WorkDir)
	if err != nil {
		return Artifact{}, Errorf(Transient, "scan output: %v", err)
	}
	if req.Link.Type == links.TypeStory && req.Link.ID != "" {
		files = onlyMedia(files, req.Link.ID)
	}
	if len(files) == 0 {
		// instaloader exits 0 on some failures and only reports them on stderr.
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Artifact{}, Classify(errors.New(tail(msg, 300)))
		}
		return Artifact{}, Errorf(NotFound, "no media in %s", req.Link.CanonicalURL)
	}
	return Artifact{Files: files, Caption: readCaption(req.WorkDir), WorkDir: req.WorkDir}, nil
}

func (i *Instagram) args(req Request) ([]string, error) {
	base := []string{
		"--dirname-pattern", req.WorkDir,
		"--filename-pattern", "{mediaid}",
		"--no-metadata-json",
		"--no-compress-json",
		"--no-profile-pic",
		"--quiet",
	}
	if i.cfg.SessionUser != "" {
		base = append(base, "--login", i.cfg.SessionUser)
		if i.cfg.SessionFile != "" {
			base = append(base, "--sessionfile", i.cfg.SessionFile)
		}
	}
	switch req.Link.Type {
	case links.TypePost, links.TypeReel:
		return append(base, "--", "-"+req.Link.ID), nil
	case links.TypeStory:
		if i.cfg.SessionUser == "" {
			return nil, Errorf(UnsupportedVariant, "stories require an Instagram session")
		}
		return append(base, "--stories", "--no-posts", "--", req.Link.Owner), nil
	default:
		return nil, Errorf(UnsupportedVariant, "instagram %s links are not supported", req.Link.Type)
	}
}

// onlyMedia keeps files whose name starts with mediaID. A story download
// fetches every current story of the owner.
func onlyMedia(files []File, mediaID string) []File {
	var out []File
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f.Path), mediaID) {
			out = append(out, f)
		}
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
