package config

import (
	"sort"
	"strings"

	logx "devpoll/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections, log fields
// describing the new values (the HTTP token is never included) and the names
// of jobs that were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if hashJSON(oldCfg.Logging) != hashJSON(newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if hashJSON(oldCfg.Inventory) != hashJSON(newCfg.Inventory) {
		changed = append(changed, "inventory")
		attrs = append(attrs,
			logx.String("inventory.driver", newCfg.Inventory.Driver),
			logx.String("inventory.path", newCfg.Inventory.Path),
			logx.Bool("inventory.watch", newCfg.Inventory.Watch),
		)
	}
	if hashJSON(oldCfg.Scheduler) != hashJSON(newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.reload_interval", newCfg.Scheduler.ReloadInterval),
			logx.String("scheduler.joblist_schedule", newCfg.Scheduler.JoblistSchedule),
		)
	}

	jobs := changedJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.String("jobs.changed", strings.Join(jobs, ",")),
		)
	}

	if hashJSON(oldCfg.Collectors) != hashJSON(newCfg.Collectors) {
		changed = append(changed, "collectors")
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	return changed, attrs, jobs
}

// RestartRequired filters sections that are not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func changedJobs(oldJobs, newJobs []JobConfig) []string {
	oldByName := make(map[string]uint64, len(oldJobs))
	for _, j := range oldJobs {
		oldByName[strings.TrimSpace(j.Name)] = hashJSON(j)
	}
	var out []string
	for _, j := range newJobs {
		name := strings.TrimSpace(j.Name)
		if h, ok := oldByName[name]; !ok || h != hashJSON(j) {
			out = append(out, name)
		}
		delete(oldByName, name)
	}
	for name := range oldByName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
