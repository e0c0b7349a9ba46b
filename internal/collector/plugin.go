package collector

import (
	"context"
	"slices"
	"strings"
	"sync"

	"devpoll/internal/inventory"

	"github.com/cockroachdb/errors"
)

// Plugin collects one kind of data from a device. Implementations must be
// safe for concurrent use; per-run state belongs in the Session.
type Plugin interface {
	Name() string
	CanHandle(d inventory.Device) bool
	Handle(ctx context.Context, sess *Session) error
}

// Registry maps plugin names to implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: map[string]Plugin{}}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("nil plugin")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return errors.New("plugin name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.plugins[name]; dup {
		return errors.Newf("plugin %q already registered", name)
	}
	r.plugins[name] = p
	return nil
}

func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
