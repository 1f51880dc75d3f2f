package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tgload/internal/fetch"
	"tgload/internal/isolate"
	"tgload/internal/jobs"
	logx "tgload/pkg/logx"
)

// ProcessStarter starts an isolated worker.
type ProcessStarter interface {
	Start(ctx context.Context, req isolate.Request) (*isolate.Process, error)
}

// Launcher runs each job in its own worker process and work directory.
type Launcher struct {
	starter  ProcessStarter
	workRoot string
	log      logx.Logger
}

func NewLauncher(starter ProcessStarter, workRoot string, log logx.Logger) *Launcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Launcher{starter: starter, workRoot: workRoot, log: log.With(logx.String("comp", "launcher"))}
}

// WorkDir is the directory a job downloads into.
func (l *Launcher) WorkDir(jobID string) string {
	return filepath.Join(l.workRoot, jobID)
}

func (l *Launcher) Launch(ctx context.Context, j jobs.Job) (jobs.Unit, error) {
	name := fetch.AdapterFor(j.Link.Platform)
	if name == "" {
		return nil, fetch.Errorf(fetch.UnsupportedVariant, "no adapter for %s", j.Link.Platform)
	}
	dir := l.WorkDir(j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	p, err := l.starter.Start(ctx, isolate.Request{
		Adapter: name,
		Fetch: fetch.Request{
			JobID:        j.ID,
			Link:         j.Link,
			WorkDir:      dir,
			AudioOnly:    j.AudioOnly,
			Uncompressed: j.Uncompressed,
		},
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	l.log.Debug("job launched", logx.String("job", j.ID), logx.String("adapter", name), logx.Int("pid", p.PID()))
	return p, nil
}
