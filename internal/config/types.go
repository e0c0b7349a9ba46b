package config

// Config is the devpolld configuration file (JSON or YAML).
//
// Durations are Go duration strings ("90s", "2m"). Job intervals also accept
// HH:MM and bare seconds.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Inventory  InventoryConfig  `json:"inventory"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Jobs       []JobConfig      `json:"jobs"`
	Collectors CollectorsConfig `json:"collectors"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// InventoryConfig selects where pollable devices come from.
//
// Example:
//
//	"inventory": { "driver": "sqlite", "path": "./devpoll.db" }
//	"inventory": { "driver": "file", "path": "./devices.yaml", "database": "./devpoll.db", "watch": true }
type InventoryConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) | "file"
	Path   string `json:"path"`
	// Database is the SQLite job log used with the file driver. Optional.
	Database        string `json:"database,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	JobLogRetention string `json:"job_log_retention,omitempty"`
	// Watch reloads all job schedulers when the inventory file changes.
	Watch bool `json:"watch,omitempty"`
}

// SchedulerConfig tunes the job schedulers.
//
// Defaults (when fields are omitted/zero):
//   - reload_interval: "120s"
//   - construct_backoff: "60s"
//   - failure_backoff_min: "300s"
//   - failure_backoff_max: "600s"
//   - joblist_schedule: "@every 5m"
type SchedulerConfig struct {
	ReloadInterval    string `json:"reload_interval,omitempty"`
	ConstructBackoff  string `json:"construct_backoff,omitempty"`
	FailureBackoffMin string `json:"failure_backoff_min,omitempty"`
	FailureBackoffMax string `json:"failure_backoff_max,omitempty"`
	// JoblistSchedule is a cron spec for the active job report.
	JoblistSchedule string `json:"joblist_schedule,omitempty"`
	// QueueWarn warns when this many devices wait for a slot. 0 disables.
	QueueWarn int `json:"queue_warn,omitempty"`
}

type JobConfig struct {
	Name      string   `json:"name"`
	Interval  string   `json:"interval"`
	Intensity int      `json:"intensity"`
	Plugins   []string `json:"plugins"`
}

type CollectorsConfig struct {
	TCPPort TCPPortConfig `json:"tcpport"`
	DNS     DNSConfig     `json:"dns"`
}

type TCPPortConfig struct {
	Port    int    `json:"port,omitempty"` // default 23
	Timeout string `json:"timeout,omitempty"`
	Retry   string `json:"retry,omitempty"`
}

type DNSConfig struct {
	Timeout string `json:"timeout,omitempty"`
}

// HTTPConfig controls the diagnostics server (/metrics, /debug/jobs, /healthz
// and optionally /debug/pprof/).
//
// Prefer binding to localhost. Token, when set, is required as a bearer token
// on every endpoint except /healthz.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9108"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback Addr without Token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
