// Package inventory supplies the set of pollable devices.
//
// A Source yields the current device list (SQLite or a YAML file); a Loader
// keeps the last snapshot and reports what was added, removed or changed
// since the previous load.
package inventory

import (
	"context"
	"sort"
	"strconv"
)

// Device is a managed network element ("netbox").
type Device struct {
	ID       int64  `json:"id" yaml:"id"`
	Sysname  string `json:"sysname" yaml:"sysname"`
	IP       string `json:"ip" yaml:"ip"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

func (d Device) String() string {
	if d.Sysname != "" {
		return d.Sysname
	}
	return strconv.FormatInt(d.ID, 10)
}

// TypeChange is published on the event bus when a collector discovers that a
// device has been replaced by one of a different type.
type TypeChange struct {
	DeviceID int64
	NewType  string
}

// Changes is the result of one inventory reload. The three sets are disjoint.
type Changes struct {
	Added   []int64
	Removed []int64
	Changed []int64
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Source is the backing device registry.
type Source interface {
	Devices(ctx context.Context) ([]Device, error)
	// CleanupReplaced removes data belonging to the replaced device and
	// records its new type. It may block on I/O.
	CleanupReplaced(ctx context.Context, id int64, newType string) error
}

func sortIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
