package collector

import (
	"maps"
	"sync"
	"time"

	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"
	logx "devpoll/pkg/logx"
)

// Session is the per-run state shared by the plugins of one job run.
type Session struct {
	RunID  string
	Job    string
	Device inventory.Device
	Log    logx.Logger

	bus eventbus.Bus

	mu      sync.Mutex
	facts   map[string]string
	newType string
}

// NewSession creates the state for one run. bus may be nil.
func NewSession(runID, job string, d inventory.Device, log logx.Logger, bus eventbus.Bus) *Session {
	return &Session{RunID: runID, Job: job, Device: d, Log: log, bus: bus, facts: map[string]string{}}
}

// Record stores a collected value. Later plugins of the same run can read it.
func (s *Session) Record(key, value string) {
	s.mu.Lock()
	s.facts[key] = value
	s.mu.Unlock()
}

func (s *Session) Fact(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.facts[key]
	return v, ok
}

func (s *Session) Facts() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.facts)
}

// ChangeType reports that the device was replaced by one of another type.
// Job schedulers cancel the device's schedules, clean up and reschedule it.
func (s *Session) ChangeType(newType string) {
	if newType == s.Device.Type {
		return
	}
	s.mu.Lock()
	if s.newType == newType {
		s.mu.Unlock()
		return
	}
	s.newType = newType
	s.mu.Unlock()

	s.Log.Warn("device type changed",
		logx.String("old_type", s.Device.Type),
		logx.String("new_type", newType),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TopicDeviceTypeChanged,
			Time: time.Now(),
			Data: inventory.TypeChange{DeviceID: s.Device.ID, NewType: newType},
		})
	}
}
