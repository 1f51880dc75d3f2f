package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"tgload/internal/links"
	"tgload/internal/messages"
)

// Validate checks cfg without touching the outside world.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set TGLOAD_TOKEN)"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if wh := cfg.Telegram.Webhook; wh != nil {
		if strings.TrimSpace(wh.Listen) == "" {
			add(errors.New("telegram.webhook.listen is required"))
		}
		if u, err := url.Parse(wh.PublicURL); err != nil || u.Scheme != "https" || u.Host == "" {
			add(fmt.Errorf("telegram.webhook.public_url must be an https URL, got %q", wh.PublicURL))
		}
	}

	if cfg.Jobs.MaxConcurrentJobs < 0 {
		add(errors.New("jobs.max_concurrent_jobs must be >= 0"))
	}
	if cfg.Jobs.HistorySize < 0 {
		add(errors.New("jobs.history_size must be >= 0"))
	}
	for _, d := range []struct{ path, raw string }{
		{"jobs.job_timeout", cfg.Jobs.JobTimeout},
		{"jobs.kill_grace", cfg.Jobs.KillGrace},
		{"jobs.shutdown_grace", cfg.Jobs.ShutdownGrace},
		{"state.busy_timeout", cfg.State.BusyTimeout},
		{"maintenance.orphan_age", cfg.Maintenance.OrphanAge},
	} {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.State.Driver)) {
	case "", "file", "sqlite":
	default:
		add(fmt.Errorf("state.driver must be file or sqlite, got %q", cfg.State.Driver))
	}

	if cfg.Broadcast.Workers < 0 || cfg.Broadcast.RatePerSec < 0 || cfg.Broadcast.RetryMax < 0 {
		add(errors.New("broadcast values must be >= 0"))
	}
	if cfg.Fetch.MaxAlbumItems < 0 {
		add(errors.New("fetch.max_album_items must be >= 0"))
	}

	for _, f := range cfg.Features {
		if _, ok := links.ParseFeature(f); !ok {
			add(fmt.Errorf("features: unknown feature %q", f))
		}
	}
	if d := cfg.Debug; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(d.Addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}
	add(messages.Validate(cfg.Messages))

	return errors.Join(errs...)
}

// DefaultFeatures resolves cfg.Features. It assumes cfg passed Validate.
func (c *Config) DefaultFeatures() []links.Feature {
	if len(c.Features) == 0 {
		return append([]links.Feature(nil), links.AllFeatures...)
	}
	out := make([]links.Feature, 0, len(c.Features))
	for _, s := range c.Features {
		if f, ok := links.ParseFeature(s); ok {
			out = append(out, f)
		}
	}
	return out
}
