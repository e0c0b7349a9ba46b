package dns

import (
	"context"
	"net"
	"testing"

	"devpoll/internal/collector"
	"devpoll/internal/inventory"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func session() *collector.Session {
	d := inventory.Device{ID: 1, Sysname: "sw1.example.org", IP: "192.0.2.1"}
	return collector.NewSession("run", "dns", d, logx.Nop(), nil)
}

func TestRecordsPTR(t *testing.T) {
	p := New(Config{})
	p.lookup = func(ctx context.Context, addr string) ([]string, error) {
		assert.Equal(t, "192.0.2.1", addr)
		return []string{"SW1.example.org."}, nil
	}
	sess := session()
	require.NoError(t, p.Handle(context.Background(), sess))
	assert.Equal(t, "SW1.example.org", sess.Facts()["ptr"])
}

func TestMissingPTRIsNotAnError(t *testing.T) {
	p := New(Config{})
	p.lookup = func(ctx context.Context, addr string) ([]string, error) {
		return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
	}
	sess := session()
	require.NoError(t, p.Handle(context.Background(), sess))
	assert.Empty(t, sess.Facts())
}

func TestResolverFailure(t *testing.T) {
	p := New(Config{})
	p.lookup = func(ctx context.Context, addr string) ([]string, error) {
		return nil, errors.New("server misbehaving")
	}
	require.ErrorContains(t, p.Handle(context.Background(), session()), "reverse lookup 192.0.2.1")
}

func TestCanHandleRequiresIP(t *testing.T) {
	p := New(Config{})
	assert.True(t, p.CanHandle(inventory.Device{IP: "2001:db8::1"}))
	assert.False(t, p.CanHandle(inventory.Device{IP: "sw1"}))
}
