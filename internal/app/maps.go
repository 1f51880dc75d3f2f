package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tgload/internal/config"
	"tgload/internal/fetch"
	"tgload/internal/jobs"
	"tgload/internal/notifier/broadcast"
	"tgload/internal/observability/debughttp"
	"tgload/internal/storage"
	"tgload/internal/task/maintenance"
	"tgload/internal/transport/telegram/adapter"
	logx "tgload/pkg/logx"
)

const (
	defaultFilePath   = "./data/tgload.json"
	defaultSQLitePath = "./data/tgload.db"
	defaultOrphanAge  = time.Hour
)

func mapAdapterConfig(cfg *config.Config) (adapter.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return adapter.Config{}, err
	}
	ac := adapter.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}
	if wh := cfg.Telegram.Webhook; wh != nil {
		ac.Webhook = &adapter.WebhookConfig{Listen: wh.Listen, PublicURL: wh.PublicURL, SecretToken: wh.SecretToken}
	}
	return ac, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatIDs:    append([]int64(nil), cfg.Telegram.LoggingChatIDs...),
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.State
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultFilePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite":
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("state.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown state.driver: %s", sc.Driver)
	}
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	jc := cfg.Jobs
	var errs []error
	parse := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := jobs.Config{
		MaxConcurrent: jc.MaxConcurrentJobs,
		JobTimeout:    parse("jobs.job_timeout", jc.JobTimeout),
		KillGrace:     parse("jobs.kill_grace", jc.KillGrace),
		ShutdownGrace: parse("jobs.shutdown_grace", jc.ShutdownGrace),
		HistorySize:   jc.HistorySize,
	}
	return out, errors.Join(errs...)
}

// workRoot is the parent of every job's work dir.
func workRoot(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Jobs.WorkDir); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "tgload")
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
	}
}

// mapMaintenanceConfig keeps the orphan age above the longest job lifetime
// so the janitor never removes a live work dir.
func mapMaintenanceConfig(cfg *config.Config, jc jobs.Config) (maintenance.Config, error) {
	age, err := config.ParseDurationOrDefault("maintenance.orphan_age", cfg.Maintenance.OrphanAge, defaultOrphanAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	timeout := jc.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	age = max(age, 2*(timeout+jc.KillGrace))
	return maintenance.Config{
		WorkRoot:   workRoot(cfg),
		OrphanAge:  age,
		Janitor:    cfg.Maintenance.Janitor,
		Compaction: cfg.Maintenance.Compaction,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debughttp.Config {
	return debughttp.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}
}

// FetchRegistry builds the adapters available to a fetch worker.
func FetchRegistry(cfg *config.Config, log logx.Logger) *fetch.Registry {
	yt := fetch.YouTubeConfig{
		MaxAlbumItems: cfg.Fetch.MaxAlbumItems,
		AudioFormat:   cfg.Fetch.AudioFormat,
	}
	return fetch.NewRegistry(
		fetch.NewInstagram(fetch.InstagramConfig{
			Binary:      cfg.Fetch.Instaloader.Binary,
			SessionUser: cfg.Fetch.Instaloader.SessionUser,
			SessionFile: cfg.Fetch.Instaloader.SessionFile,
		}, log),
		fetch.NewYouTube(yt, log),
		fetch.NewYouTubeMusic(yt, log),
	)
}
