package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/node"
)

var testKey = strings.Repeat("F4", 32)

const sampleConfig = `
udp-address: "0.0.0.0:33445"
tcp-addresses:
  - "0.0.0.0:33445"
keys-file: ./keys
bootstrap-nodes:
  - pk: "F404ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67"
    addr: "node.tox.biribiri.org:33445"
    port: 33445
  - pk: "8E7D0B859922EF569298B4D261A8CCB5FEA14FB91ED412A7603A585A25698832"
    addr: "85.172.30.117:33445"
threads: auto
log-type: Syslog
motd: "{{start_date}} {{uptime}}"
no-lan: True
rate-limit:
  packets-per-second: 50
  burst: 100
  window: 10
net-restrict: "10.0.0.0/8"
bucket-subnet-limit: 4
colour: blue
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:33445", f.UDPAddress)
	assert.Equal(t, []string{"0.0.0.0:33445"}, f.TCPAddresses)
	assert.Equal(t, "./keys", f.KeysFile)
	require.Len(t, f.BootstrapNodes, 2)
	assert.Equal(t, "85.172.30.117:33445", f.BootstrapNodes[1].Address)
	assert.Equal(t, "auto", f.Threads)
	assert.Equal(t, LogSyslog, f.LogType)
	assert.True(t, f.NoLAN)
	require.NotNil(t, f.RateLimit)
	assert.Equal(t, 50.0, f.RateLimit.PacketsPerSecond)
	assert.Equal(t, "10.0.0.0/8", f.NetRestrict)
	assert.Equal(t, 4, f.SubnetLimit)

	assert.Equal(t, []string{"bootstrap-nodes.port", "colour", "rate-limit.window"}, f.Unused)
}

func TestParseDefaults(t *testing.T) {
	f, err := Parse([]byte("keys-file: keys\n"))
	require.NoError(t, err)

	assert.Equal(t, LogStderr, f.LogType)
	assert.Equal(t, node.DefaultMOTD, f.MOTD)
	assert.Equal(t, "1", f.Threads)
	assert.False(t, f.NoLAN)
	assert.Nil(t, f.RateLimit)
	assert.Empty(t, f.Unused)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), empty)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "udp-address: [unclosed"},
		{"not a mapping", "- a\n- b\n"},
		{"bad log type", "log-type: Journal\n"},
		{"wrong type", "no-lan: [1, 2]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestParseLogType(t *testing.T) {
	for _, in := range []string{"stderr", "STDOUT", " Syslog ", "none"} {
		_, err := ParseLogType(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseLogType("file")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNodeConfig(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	f.BootstrapNodes[0].Address = "1.1.1.1:33445"

	cfg, err := f.NodeConfig(func(string) string { return "" })
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:33445", cfg.UDPAddress)
	assert.Equal(t, "./keys", cfg.KeysFile)
	assert.Empty(t, cfg.SecretKey)
	assert.False(t, cfg.LANDiscovery, "no-lan disables LAN discovery")
	assert.Equal(t, "{{start_date}} {{uptime}}", cfg.MOTD)
	assert.Equal(t, 50.0, cfg.RateLimit.PacketsPerSecond)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
	assert.Equal(t, node.DefaultConfig().RateLimit.Penalty, cfg.RateLimit.Penalty)
	assert.Equal(t, 4, cfg.BucketSubnetLimit)
	require.Len(t, cfg.BootstrapNodes, 2)
	assert.Equal(t, "1.1.1.1:33445", cfg.BootstrapNodes[0].Address)
}

func TestNodeConfigSecretKeyFromEnvironment(t *testing.T) {
	f, err := Parse([]byte("udp-address: \"127.0.0.1:33445\"\n"))
	require.NoError(t, err)

	_, err = f.NodeConfig(func(string) string { return "" })
	assert.ErrorIs(t, err, ErrConfig, "no key source")

	cfg, err := f.NodeConfig(func(name string) string {
		if name == SecretKeyEnv {
			return testKey + "\n"
		}
		return ""
	})
	require.NoError(t, err)
	assert.Equal(t, testKey, cfg.SecretKey)
	assert.True(t, cfg.LANDiscovery)
}

func TestNodeConfigValidates(t *testing.T) {
	f := Default()
	f.UDPAddress = "127.0.0.1:33445"
	f.KeysFile = "keys"
	f.BootstrapNodes = []BootstrapNode{{PublicKey: "short", Address: "1.1.1.1:33445"}}

	_, err := f.NodeConfig(nil)
	assert.ErrorIs(t, err, node.ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./keys", f.KeysFile)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.env")
	require.NoError(t, os.WriteFile(path, []byte(SecretKeyEnv+"="+testKey+"\n"), 0o600))

	t.Setenv(SecretKeyEnv, "")
	require.NoError(t, os.Unsetenv(SecretKeyEnv))

	require.NoError(t, LoadEnv(filepath.Join(dir, "absent.env"), path))
	assert.Equal(t, testKey, os.Getenv(SecretKeyEnv))
}
