package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devpoll/internal/eventbus"
	"devpoll/internal/inventory"
	"devpoll/internal/poll"
	"devpoll/internal/storage"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name  string
	skip  bool
	fn    func(ctx context.Context, sess *Session) error
	calls atomic.Int32
}

func (p *fakePlugin) Name() string                      { return p.name }
func (p *fakePlugin) CanHandle(d inventory.Device) bool { return !p.skip }
func (p *fakePlugin) Handle(ctx context.Context, sess *Session) error {
	p.calls.Add(1)
	if p.fn == nil {
		return nil
	}
	return p.fn(ctx, sess)
}

type memJobLog struct {
	mu      sync.Mutex
	entries []storage.JobLogEntry
}

func (m *memJobLog) AppendJobLog(ctx context.Context, e storage.JobLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJobLog) all() []storage.JobLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.JobLogEntry(nil), m.entries...)
}

var (
	testJob    = poll.Job{Name: "inventory", Interval: time.Hour, Plugins: []string{"first", "second"}}
	testDevice = inventory.Device{ID: 7, Sysname: "sw7.example.org", IP: "192.0.2.7", Type: "c9300"}
)

func newTestFactory(t *testing.T, joblog JobLogWriter, bus eventbus.Bus, plugins ...Plugin) *Factory {
	t.Helper()
	reg, err := NewRegistry(plugins...)
	require.NoError(t, err)
	return NewFactory(reg, joblog, bus, logx.Nop())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&fakePlugin{name: "a"}, &fakePlugin{name: "a"})
	require.ErrorContains(t, err, `plugin "a" already registered`)

	reg, err := NewRegistry(&fakePlugin{name: "b"}, &fakePlugin{name: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}

func TestFactoryRejectsUnknownPlugin(t *testing.T) {
	f := newTestFactory(t, nil, nil, &fakePlugin{name: "first"})
	_, err := f.New(testJob, testDevice)
	require.ErrorContains(t, err, `unknown plugin "second"`)
	require.Error(t, f.Validate(testJob))
}

func TestJobHandlerRunsPluginsAndRecordsResult(t *testing.T) {
	joblog := &memJobLog{}
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	var order []string
	first := &fakePlugin{name: "first", fn: func(ctx context.Context, sess *Session) error {
		order = append(order, "first")
		sess.Record("uptime", "42")
		return nil
	}}
	second := &fakePlugin{name: "second", fn: func(ctx context.Context, sess *Session) error {
		order = append(order, "second")
		v, ok := sess.Fact("uptime")
		assert.True(t, ok)
		assert.Equal(t, "42", v)
		return nil
	}}
	f := newTestFactory(t, joblog, bus, first, second)

	h, err := f.New(testJob, testDevice)
	require.NoError(t, err)
	didWork, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, didWork)
	assert.Equal(t, []string{"first", "second"}, order)

	entries := joblog.all()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].DeviceID)
	assert.Equal(t, "inventory", entries[0].JobName)
	assert.True(t, entries[0].Success)
	assert.Equal(t, time.Hour, entries[0].Interval)

	select {
	case ev := <-events:
		require.Equal(t, eventbus.TopicJobFinished, ev.Type)
		je := ev.Data.(JobEvent)
		assert.True(t, je.Success)
		assert.Equal(t, "sw7.example.org", je.Sysname)
		assert.Equal(t, map[string]string{"uptime": "42"}, je.Facts)
		assert.NotEmpty(t, je.RunID)
	case <-time.After(time.Second):
		t.Fatal("no job.finished event")
	}
}

func TestJobHandlerWithoutUsablePluginsDoesNothing(t *testing.T) {
	joblog := &memJobLog{}
	f := newTestFactory(t, joblog, nil, &fakePlugin{name: "first", skip: true}, &fakePlugin{name: "second", skip: true})

	h, err := f.New(testJob, testDevice)
	require.NoError(t, err)
	didWork, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, didWork)
	assert.Empty(t, joblog.all())
}

func TestJobHandlerStopsAtFirstFailingPlugin(t *testing.T) {
	joblog := &memJobLog{}
	second := &fakePlugin{name: "second"}
	first := &fakePlugin{name: "first", fn: func(ctx context.Context, sess *Session) error {
		return errors.New("timeout walking ifTable")
	}}
	f := newTestFactory(t, joblog, nil, first, second)

	h, err := f.New(testJob, testDevice)
	require.NoError(t, err)
	didWork, err := h.Run(context.Background())
	require.ErrorContains(t, err, "plugin first: timeout walking ifTable")
	assert.True(t, didWork)
	assert.Equal(t, int32(0), second.calls.Load())
	require.Len(t, joblog.all(), 1)
	assert.False(t, joblog.all()[0].Success)
}

func TestJobHandlerKeepsSuggestedReschedule(t *testing.T) {
	first := &fakePlugin{name: "first", fn: func(ctx context.Context, sess *Session) error {
		return poll.Reschedule(errors.New("connection refused"), 2*time.Minute)
	}}
	f := newTestFactory(t, nil, nil, first, &fakePlugin{name: "second"})

	h, err := f.New(testJob, testDevice)
	require.NoError(t, err)
	_, err = h.Run(context.Background())
	d, ok := poll.SuggestedDelay(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)
}

func TestJobHandlerCancelAbortsRun(t *testing.T) {
	joblog := &memJobLog{}
	entered := make(chan struct{})
	first := &fakePlugin{name: "first", fn: func(ctx context.Context, sess *Session) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}
	second := &fakePlugin{name: "second"}
	f := newTestFactory(t, joblog, nil, first, second)

	h, err := f.New(testJob, testDevice)
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := h.Run(context.Background())
		errc <- err
	}()
	<-entered
	h.Cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, poll.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Equal(t, int32(0), second.calls.Load())
	require.Len(t, joblog.all(), 1)
	assert.False(t, joblog.all()[0].Success)

	// A cancelled handler refuses to start again.
	_, err = h.Run(context.Background())
	require.ErrorIs(t, err, poll.ErrAborted)
}

func TestSessionChangeTypePublishesOnce(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()
	events := eventbus.Filter(sub, eventbus.TopicDeviceTypeChanged)

	sess := NewSession("run", "inventory", testDevice, logx.Nop(), bus)
	sess.ChangeType("c9300")
	sess.ChangeType("c9500")
	sess.ChangeType("c9500")

	select {
	case ev := <-events:
		assert.Equal(t, inventory.TypeChange{DeviceID: 7, NewType: "c9500"}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no type change event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
