package node

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/dht"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.SecretKey = strings.Repeat("11", 32)
	cfg.UDPAddress = "127.0.0.1:0"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"keys file only", func(c *Config) { c.SecretKey = ""; c.KeysFile = "keys" }, false},
		{"no key source", func(c *Config) { c.SecretKey = "" }, true},
		{"no udp address", func(c *Config) { c.UDPAddress = "" }, true},
		{"bad bootstrap key", func(c *Config) {
			c.BootstrapNodes = []BootstrapNode{{PublicKey: "nothex", Address: "1.1.1.1:33445"}}
		}, true},
		{"good bootstrap key", func(c *Config) {
			c.BootstrapNodes = []BootstrapNode{{PublicKey: strings.Repeat("AB", 32), Address: "1.1.1.1:33445"}}
		}, false},
		{"motd too long", func(c *Config) { c.MOTD = strings.Repeat("m", 257) }, true},
		{"net restrict", func(c *Config) { c.NetRestrict = "10.0.0.0/8, 192.168.0.0/16" }, false},
		{"bad net restrict", func(c *Config) { c.NetRestrict = "10.0.0.0/99" }, true},
		{"negative rate", func(c *Config) { c.RateLimit.PacketsPerSecond = -1 }, true},
		{"subnet limit", func(c *Config) { c.BucketSubnetLimit = 2 }, false},
		{"negative subnet limit", func(c *Config) { c.BucketSubnetLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{PathTimeout: time.Minute}.withDefaults()

	assert.Equal(t, time.Minute, cfg.PathTimeout, "explicit values are kept")
	assert.Equal(t, DefaultConfig().PathCapacity, cfg.PathCapacity)
	assert.Equal(t, dht.DefaultMaintenanceConfig(), cfg.Maintenance)
	assert.Equal(t, 4, cfg.BootstrapMinNodes)
	assert.Zero(t, cfg.StatsInterval, "stats reports stay off unless asked for")
	assert.Zero(t, DefaultConfig().BucketSubnetLimit, "subnet limit is opt-in")
}

func TestConfigKeyPairFromSecretKey(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	public := kp.Public

	cfg := validConfig()
	cfg.SecretKey = strings.ToUpper(hex.EncodeToString(kp.Private[:]))
	got, err := cfg.keyPair()
	require.NoError(t, err)
	assert.Equal(t, public, got.Public)

	for _, bad := range []string{"zz", strings.Repeat("11", 31)} {
		cfg.SecretKey = bad
		_, err := cfg.keyPair()
		assert.ErrorIs(t, err, ErrInvalidConfig, bad)
	}
}

func TestConfigKeyPairFromKeysFile(t *testing.T) {
	cfg := validConfig()
	cfg.SecretKey = ""
	cfg.KeysFile = filepath.Join(t.TempDir(), "keys")

	first, err := cfg.keyPair()
	require.NoError(t, err)
	second, err := cfg.keyPair()
	require.NoError(t, err)
	assert.Equal(t, first.Public, second.Public, "generated keys are saved and reloaded")
}
