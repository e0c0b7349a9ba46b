package tcpport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"devpoll/internal/collector"
	"devpoll/internal/inventory"
	"devpoll/internal/poll"
	logx "devpoll/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func session(ip string) *collector.Session {
	d := inventory.Device{ID: 1, Sysname: "sw1.example.org", IP: ip}
	return collector.NewSession("run", "port", d, logx.Nop(), nil)
}

func listen(t *testing.T, banner string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if banner != "" {
				_, _ = conn.Write([]byte(banner + "\r\n"))
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestOpenPortRecordsBanner(t *testing.T) {
	port := listen(t, "SSH-2.0-OpenSSH_9.6")
	p := New(Config{Port: port, Timeout: time.Second})
	sess := session("127.0.0.1")

	require.True(t, p.CanHandle(sess.Device))
	require.NoError(t, p.Handle(context.Background(), sess))
	facts := sess.Facts()
	assert.Equal(t, "open", facts["tcp_"+strconv.Itoa(port)])
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", facts["banner"])
}

func TestClosedPortSuggestsRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := New(Config{Port: port, Timeout: time.Second, Retry: 90 * time.Second})
	sess := session("127.0.0.1")
	err = p.Handle(context.Background(), sess)

	d, ok := poll.SuggestedDelay(err)
	require.True(t, ok, "expected a reschedule, got %v", err)
	assert.Equal(t, 90*time.Second, d)
	assert.Equal(t, "closed", sess.Facts()["tcp_"+strconv.Itoa(port)])
}

func TestDefaultsAndCanHandle(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, DefaultPort, p.cfg.Port)
	assert.Equal(t, DefaultTimeout, p.cfg.Timeout)
	assert.Equal(t, DefaultRetry, p.cfg.Retry)
	assert.False(t, p.CanHandle(inventory.Device{ID: 1, Sysname: "x"}))
}
