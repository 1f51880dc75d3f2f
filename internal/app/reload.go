package app

import (
	"context"
	"strings"

	"tgload/internal/config"
	logx "tgload/pkg/logx"
)

// reloadLoop applies committed configs published by the config watcher.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections of newCfg into the running
// components and reports the rest as restart-only.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if len(restart) > 0 {
		a.log.Warn("config sections changed that only apply after restart",
			logx.String("sections", strings.Join(restart, ",")))
	}

	// Log target first so Apply() sees the new logging chats.
	a.logs.Apply(mapLogConfig(newCfg))
	a.admins.Replace(newCfg.Telegram.AdminIDs)
	if err := a.msgs.Apply(newCfg.Messages); err != nil {
		a.log.Warn("invalid messages override; keeping previous", logx.Err(err))
	}
	a.bcast.Apply(mapBroadcastConfig(newCfg))
	a.state.SetDefaultFeatures(newCfg.DefaultFeatures())
	if err := a.debug.Reconfigure(ctx, mapDebugConfig(newCfg)); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}
	// fetch.* is read by every new fetch worker, so it needs no push.

	a.log.Info("config reloaded", fields...)
}
