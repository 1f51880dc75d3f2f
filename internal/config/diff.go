package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tgload/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token or webhook secret)
	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(oT.AdminIDs, nT.AdminIDs) ||
		!reflect.DeepEqual(oT.LoggingChatIDs, nT.LoggingChatIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.admin_count", len(nT.AdminIDs)),
			logx.Int("telegram.logging_chat_count", len(nT.LoggingChatIDs)),
		)
	}
	if oT.Token != nT.Token ||
		strings.TrimSpace(oT.PollTimeout) != strings.TrimSpace(nT.PollTimeout) ||
		!reflect.DeepEqual(oT.Webhook, nT.Webhook) {
		changed = append(changed, "telegram.transport")
		restart = append(restart, "telegram.transport")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
			logx.Bool("telegram.webhook", nT.Webhook != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		restart = append(restart, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.max_concurrent_jobs", newCfg.Jobs.MaxConcurrentJobs),
			logx.String("jobs.job_timeout", strings.TrimSpace(newCfg.Jobs.JobTimeout)),
		)
	}

	oS, nS := oldCfg.State, newCfg.State
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "state")
		restart = append(restart, "state")
		attrs = append(attrs,
			logx.String("state.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("state.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
			logx.Int("broadcast.retry_max", newCfg.Broadcast.RetryMax),
		)
		if oldCfg.Broadcast.Workers != newCfg.Broadcast.Workers {
			restart = append(restart, "broadcast.workers")
		}
	}

	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.Bool("fetch.instaloader_session", strings.TrimSpace(newCfg.Fetch.Instaloader.SessionUser) != ""),
			logx.Int("fetch.max_album_items", newCfg.Fetch.MaxAlbumItems),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		restart = append(restart, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.janitor", newCfg.Maintenance.Janitor),
			logx.String("maintenance.compaction", newCfg.Maintenance.Compaction),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
		)
	}

	if !reflect.DeepEqual(normalizeList(oldCfg.Features), normalizeList(newCfg.Features)) {
		changed = append(changed, "features")
		attrs = append(attrs, logx.Int("features.default_count", len(newCfg.DefaultFeatures())))
	}

	if !reflect.DeepEqual(oldCfg.Messages, newCfg.Messages) {
		changed = append(changed, "messages")
		attrs = append(attrs, logx.Int("messages.override_count", len(newCfg.Messages)))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	sort.Strings(out)
	return out
}
