package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestInspectCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "devpoll.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
inventory:
  path: `+filepath.Join(dir, "devpoll.db")+`
jobs:
  - {name: inventory, interval: "00:55", intensity: 4, plugins: [tcpport, dns]}
  - {name: dns, interval: 1h, plugins: [dns]}
`), 0o600))
	devices := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(devices, []byte(`
devices:
  - {id: 1, sysname: sw1.example.org, ip: 192.0.2.1, type: c9300}
`), 0o600))

	out := execute(t, "jobs", "--config", cfg)
	assert.Contains(t, out, "inventory")
	assert.Contains(t, out, "55m0s")
	assert.Contains(t, out, "unlimited")
	assert.Contains(t, out, "tcpport,dns")

	out = execute(t, "devices", "import", devices, "--config", cfg)
	assert.Contains(t, out, "imported 1 devices")

	out = execute(t, "devices", "--config", cfg)
	assert.Contains(t, out, "sw1.example.org")
	assert.Contains(t, out, "192.0.2.1")

	out = execute(t, "status", "--config", cfg)
	assert.Contains(t, out, "OVERDUE")
}
