package storage

import (
	"context"

	"devpoll/internal/inventory"
	logx "devpoll/pkg/logx"
)

// Store is the persistence API used by the registry, collectors and the CLI.
type Store interface {
	inventory.Source

	UpsertDevice(ctx context.Context, d inventory.Device) error
	AppendJobLog(ctx context.Context, e JobLogEntry) error
	// LastJobLogs returns the newest entry for every (device, job) pair.
	LastJobLogs(ctx context.Context) ([]JobLogEntry, error)
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

// Open initializes the SQLite store and applies the schema.
func Open(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
