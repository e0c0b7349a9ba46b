package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"devpoll/internal/collector"
	"devpoll/internal/eventbus"
	"devpoll/internal/poll"
	"devpoll/internal/runtime/supervisor"
	logx "devpoll/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJobsEndpoint(t *testing.T) {
	s := New(Config{}, Sources{
		ActiveJobs: func() []poll.ActiveJob {
			return []poll.ActiveJob{{DeviceID: 7, Sysname: "sw7.example.org", Job: "inventory", Runtime: 90 * time.Second}}
		},
		IdleCount: func() int { return 3 },
	}, logx.Nop())

	rec := get(t, s.Handler(), "/debug/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp jobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Idle)
	require.Len(t, resp.Active, 1)
	assert.Equal(t, activeJob{DeviceID: 7, Sysname: "sw7.example.org", Job: "inventory", RuntimeSeconds: 90}, resp.Active[0])
}

func TestHealthReportsSupervisorErrors(t *testing.T) {
	snap := supervisor.Snapshot{}
	s := New(Config{Token: "t"}, Sources{Health: func() supervisor.Snapshot { return snap }}, logx.Nop())

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "ok"`)

	snap.FirstError = "scheduler.inventory: boom"
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestTokenRequired(t *testing.T) {
	s := New(Config{Token: "s3cret"}, Sources{}, logx.Nop())
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/jobs").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/jobs?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/jobs?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "Authorization", "Bearer s3cret").Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	off := New(Config{}, Sources{}, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, off.Handler(), "/debug/pprof/").Code)

	on := New(Config{Pprof: true}, Sources{}, logx.Nop())
	assert.Equal(t, http.StatusOK, get(t, on.Handler(), "/debug/pprof/").Code)
}

func TestServeRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Config{}, Sources{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "ok")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRecentRunsRing(t *testing.T) {
	r := NewRecentRuns(3)
	for i := int64(1); i <= 5; i++ {
		job := "inventory"
		if i%2 == 0 {
			job = "dns"
		}
		r.Add(collector.JobEvent{DeviceID: i, Job: job})
	}
	ids := func(evs []collector.JobEvent) []int64 {
		var out []int64
		for _, e := range evs {
			out = append(out, e.DeviceID)
		}
		return out
	}
	assert.Equal(t, []int64{5, 4, 3}, ids(r.Snapshot("")))
	assert.Equal(t, []int64{5, 3}, ids(r.Snapshot("inventory")))

	var nilRuns *RecentRuns
	assert.Empty(t, nilRuns.Snapshot(""))
}

func TestRecentRunsFollowsBus(t *testing.T) {
	bus := eventbus.New()
	r := NewRecentRuns(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TopicDeviceTypeChanged, Data: "ignored"})
		bus.Publish(eventbus.Event{Type: eventbus.TopicJobFinished, Data: collector.JobEvent{DeviceID: 1, Job: "dns"}})
		return len(r.Snapshot("")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	s := New(Config{}, Sources{Runs: r}, logx.Nop())
	rec := get(t, s.Handler(), "/debug/runs?job=dns")
	var runs []collector.JobEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.NotEmpty(t, runs)
	assert.Equal(t, "dns", runs[0].Job)
	assert.JSONEq(t, "[]", get(t, s.Handler(), "/debug/runs?job=inventory").Body.String())
}
