package app

import (
	"context"
	"strings"

	"devpoll/internal/config"
	logx "devpoll/pkg/logx"
)

// reloadLoop applies committed config changes. Logging is applied live;
// every other section only takes effect after a restart.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains ch and returns the newest config seen.
func latest(ch chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "logging" {
			a.logs.Apply(newCfg.Logging.LogxConfig())
		}
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		warn := []logx.Field{logx.String("sections", strings.Join(pending, ","))}
		if len(jobs) > 0 {
			warn = append(warn, logx.String("jobs", strings.Join(jobs, ",")))
		}
		a.log.Warn("config changed; restart required for changes to take effect", warn...)
	}
	a.log.Info("config reloaded", fields...)
}
