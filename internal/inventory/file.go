package inventory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"
)

// FileSource reads devices from a YAML file:
//
//	devices:
//	  - id: 1
//	    sysname: sw1.example.org
//	    ip: 192.0.2.10
//	    type: c9300
//
// Type changes reported through CleanupReplaced are kept in memory and
// override the file until the file itself carries the new type.
type FileSource struct {
	path string
	log  logx.Logger

	mu        sync.Mutex
	overrides map[int64]string
}

type fileInventory struct {
	Devices []Device `yaml:"devices"`
}

func NewFileSource(path string, log logx.Logger) *FileSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileSource{path: path, log: log, overrides: map[int64]string{}}
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read inventory %s", s.path)
	}
	var inv fileInventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, errors.Wrapf(err, "parse inventory %s", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(inv.Devices))
	for i, d := range inv.Devices {
		d.Sysname = strings.TrimSpace(d.Sysname)
		if d.ID <= 0 {
			return nil, errors.Newf("inventory %s: devices[%d]: id must be > 0", s.path, i)
		}
		if d.Sysname == "" {
			return nil, errors.Newf("inventory %s: devices[%d]: sysname required", s.path, i)
		}
		if t, ok := s.overrides[d.ID]; ok {
			if t == d.Type {
				delete(s.overrides, d.ID)
			} else {
				d.Type = t
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *FileSource) CleanupReplaced(ctx context.Context, id int64, newType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.overrides[id] = newType
	s.mu.Unlock()
	s.log.Info("device type override recorded", logx.Int64("id", id), logx.String("type", newType))
	return nil
}

// Watch calls onChange (debounced) whenever the inventory file is written,
// created or replaced. It returns when ctx is done or the watcher breaks.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "inventory watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	s.log.Debug("inventory watcher started", logx.String("path", s.path))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			s.log.Info("inventory file changed", logx.String("path", s.path))
			onChange()
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("inventory watcher closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("inventory watcher closed")
			}
			s.log.Warn("inventory watch error", logx.Err(err))
		}
	}
}
