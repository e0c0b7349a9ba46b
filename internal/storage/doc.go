// Package storage is the SQLite-backed device registry and job log.
//
// It provides:
//   - the pollable device list (inventory.Source)
//   - cleanup of devices replaced by a different type
//   - the per-run job log written by collectors
package storage
