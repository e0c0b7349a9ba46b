// Package tcpport checks that a device accepts TCP connections on a port.
package tcpport

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"devpoll/internal/collector"
	"devpoll/internal/inventory"
	"devpoll/internal/poll"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	Name = "tcpport"

	DefaultPort    = 23
	DefaultTimeout = 5 * time.Second
	DefaultRetry   = 5 * time.Minute
)

type Config struct {
	Port    int
	Timeout time.Duration
	// Retry is the suggested delay before the next run of an unreachable device.
	Retry time.Duration
}

type Plugin struct {
	cfg  Config
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ collector.Plugin = (*Plugin)(nil)

func New(cfg Config) *Plugin {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	d := &net.Dialer{}
	return &Plugin{cfg: cfg, dial: d.DialContext}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) CanHandle(d inventory.Device) bool { return strings.TrimSpace(d.IP) != "" }

// Handle connects and waits briefly for a banner line. A refused or timed-out
// connection asks for an early retry instead of the failure backoff.
func (p *Plugin) Handle(ctx context.Context, sess *collector.Session) error {
	addr := net.JoinHostPort(sess.Device.IP, strconv.Itoa(p.cfg.Port))
	dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(dctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess.Record("tcp_"+strconv.Itoa(p.cfg.Port), "closed")
		return poll.Reschedule(errors.Wrapf(err, "connect %s", addr), p.cfg.Retry)
	}
	defer conn.Close()
	rtt := time.Since(start)

	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.Timeout))
	banner, _ := bufio.NewReader(conn).ReadString('\n')
	banner = strings.TrimSpace(banner)

	sess.Record("tcp_"+strconv.Itoa(p.cfg.Port), "open")
	if banner != "" {
		sess.Record("banner", banner)
	}
	sess.Log.Debug("port alive",
		logx.String("addr", addr),
		logx.Duration("rtt", rtt),
		logx.String("banner", banner),
	)
	return nil
}
