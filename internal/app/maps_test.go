package app

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tgload/internal/config"
	"tgload/internal/jobs"
	logx "tgload/pkg/logx"
)

func TestMapStorageConfigDefaults(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Driver != "file" || sc.Path != defaultFilePath {
		t.Fatalf("file defaults = %+v", sc)
	}

	path := filepath.Join(t.TempDir(), "s.db")
	sc, err = mapStorageConfig(&config.Config{State: config.StateConfig{Driver: " SQLite ", Path: path}})
	if err != nil {
		t.Fatalf("map sqlite: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != path || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite = %+v", sc)
	}

	if _, err := mapStorageConfig(&config.Config{State: config.StateConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestMapJobsConfigCollectsErrors(t *testing.T) {
	_, err := mapJobsConfig(&config.Config{Jobs: config.JobsConfig{JobTimeout: "soon", KillGrace: "later"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"jobs.job_timeout", "jobs.kill_grace"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}

	jc, err := mapJobsConfig(&config.Config{Jobs: config.JobsConfig{MaxConcurrentJobs: 3, JobTimeout: "2m", KillGrace: "5s"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if jc.MaxConcurrent != 3 || jc.JobTimeout != 2*time.Minute || jc.KillGrace != 5*time.Second {
		t.Fatalf("jobs = %+v", jc)
	}
}

func TestMaintenanceOrphanAgeOutlivesJobs(t *testing.T) {
	cfg := &config.Config{
		Jobs:        config.JobsConfig{WorkDir: "/srv/work"},
		Maintenance: config.MaintenanceConfig{OrphanAge: "1m", Janitor: "@hourly"},
	}
	mc, err := mapMaintenanceConfig(cfg, mapJobsOrFail(t, "30m", "10s"))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if want := 2 * (30*time.Minute + 10*time.Second); mc.OrphanAge != want {
		t.Fatalf("orphan age = %v, want %v", mc.OrphanAge, want)
	}
	if mc.WorkRoot != "/srv/work" || mc.Janitor != "@hourly" {
		t.Fatalf("maintenance = %+v", mc)
	}

	mc, err = mapMaintenanceConfig(&config.Config{}, mapJobsOrFail(t, "1m", ""))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mc.OrphanAge != defaultOrphanAge {
		t.Fatalf("default orphan age = %v", mc.OrphanAge)
	}
	if !strings.HasSuffix(mc.WorkRoot, "tgload") {
		t.Fatalf("default work root = %q", mc.WorkRoot)
	}
}

func TestMapLogConfigUsesLoggingChats(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{LoggingChatIDs: []int64{-100, -200}},
		Logging: config.LoggingConfig{
			Level:    "debug",
			Telegram: config.LoggingTelegram{Enabled: true, MinLevel: "warn"},
		},
	}
	lc := mapLogConfig(cfg)
	if lc.Level != "debug" || !lc.Telegram.Enabled || len(lc.Telegram.ChatIDs) != 2 {
		t.Fatalf("log config = %+v", lc)
	}
	cfg.Telegram.LoggingChatIDs[0] = 1
	if lc.Telegram.ChatIDs[0] != -100 {
		t.Fatalf("chat ids share backing array")
	}
}

func TestMapAdapterConfig(t *testing.T) {
	ac, err := mapAdapterConfig(&config.Config{Telegram: config.TelegramConfig{Token: "t"}})
	if err != nil || ac.PollTimeout != 10*time.Second || ac.Webhook != nil {
		t.Fatalf("long poll = %+v, %v", ac, err)
	}
	ac, err = mapAdapterConfig(&config.Config{Telegram: config.TelegramConfig{
		Token:   "t",
		Webhook: &config.WebhookConfig{Listen: ":8443", PublicURL: "https://bot.example.com/hook"},
	}})
	if err != nil || ac.Webhook == nil || ac.Webhook.Listen != ":8443" {
		t.Fatalf("webhook = %+v, %v", ac, err)
	}
}

func TestValidateRejectsBadOrphanAge(t *testing.T) {
	cfg := &config.Config{
		Telegram:    config.TelegramConfig{Token: "t"},
		Maintenance: config.MaintenanceConfig{OrphanAge: "old"},
	}
	if err := validate(cfg); err == nil {
		t.Fatalf("bad orphan age accepted")
	}
	cfg.Maintenance.OrphanAge = "2h"
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFetchRegistryHasAllAdapters(t *testing.T) {
	r := FetchRegistry(&config.Config{}, logx.Nop())
	for _, name := range []string{"instagram", "youtube", "ytmusic"} {
		if _, ok := r.Get(name); !ok {
			t.Fatalf("adapter %s missing", name)
		}
	}
}

func mapJobsOrFail(t *testing.T, timeout, grace string) jobs.Config {
	t.Helper()
	jc, err := mapJobsConfig(&config.Config{Jobs: config.JobsConfig{JobTimeout: timeout, KillGrace: grace}})
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	return jc
}
