// Package dns verifies a device's reverse DNS name against its sysname.
package dns

import (
	"context"
	"net"
	"strings"
	"time"

	"devpoll/internal/collector"
	"devpoll/internal/inventory"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	Name           = "dns"
	DefaultTimeout = 3 * time.Second
)

type Config struct {
	Timeout time.Duration
}

type Plugin struct {
	cfg    Config
	lookup func(ctx context.Context, addr string) ([]string, error)
}

var _ collector.Plugin = (*Plugin)(nil)

func New(cfg Config) *Plugin {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Plugin{cfg: cfg, lookup: net.DefaultResolver.LookupAddr}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) CanHandle(d inventory.Device) bool {
	return net.ParseIP(strings.TrimSpace(d.IP)) != nil
}

// Handle records the PTR name and warns when it differs from the sysname.
// A missing PTR record is not an error.
func (p *Plugin) Handle(ctx context.Context, sess *collector.Session) error {
	lctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	names, err := p.lookup(lctx, sess.Device.IP)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			sess.Log.Debug("no PTR record", logx.String("ip", sess.Device.IP))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "reverse lookup %s", sess.Device.IP)
	}
	if len(names) == 0 {
		return nil
	}
	ptr := strings.TrimSuffix(names[0], ".")
	sess.Record("ptr", ptr)
	if !strings.EqualFold(ptr, sess.Device.Sysname) {
		sess.Log.Info("reverse DNS does not match sysname", logx.String("ptr", ptr))
	}
	return nil
}
