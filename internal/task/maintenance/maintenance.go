// Package maintenance holds the housekeeping tasks run by the scheduler:
// removing orphaned job work dirs and compacting the state store.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tgload/internal/task/scheduler"
	logx "tgload/pkg/logx"
)

const (
	TaskJanitor    = "janitor"
	TaskCompaction = "compaction"
)

type Config struct {
	WorkRoot string
	// OrphanAge is the minimum age of a work dir before the janitor removes
	// it. It must exceed the longest possible job run.
	OrphanAge time.Duration

	Janitor    string // schedule; empty disables
	Compaction string // schedule; empty disables
}

// Compactor is implemented by the state store.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Register adds the enabled tasks to s.
func Register(s *scheduler.Service, cfg Config, store Compactor, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	var errs []error
	if spec := strings.TrimSpace(cfg.Janitor); spec != "" && cfg.WorkRoot != "" {
		errs = append(errs, s.Add(TaskJanitor, spec, time.Minute, func(ctx context.Context) error {
			n, err := SweepWorkDir(ctx, cfg.WorkRoot, cfg.OrphanAge, time.Now())
			if n > 0 {
				log.Info("orphaned work dirs removed", logx.Int("count", n), logx.String("root", cfg.WorkRoot))
			}
			return err
		}))
	}
	if spec := strings.TrimSpace(cfg.Compaction); spec != "" && store != nil {
		errs = append(errs, s.Add(TaskCompaction, spec, 5*time.Minute, store.Compact))
	}
	return errors.Join(errs...)
}

// SweepWorkDir removes the direct subdirectories of root last modified
// before now-olderThan. A missing root is not an error.
func SweepWorkDir(ctx context.Context, root string, olderThan time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-olderThan)
	removed := 0
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
