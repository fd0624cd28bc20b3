package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/dht"
	"github.com/opd-ai/toxnode/onion"
	"github.com/opd-ai/toxnode/transport"
)

// DefaultMOTD is sent in bootstrap info responses unless configured otherwise.
const DefaultMOTD = "This is toxnode"

// ErrInvalidConfig wraps every configuration problem reported by Start.
var ErrInvalidConfig = errors.New("invalid node configuration")

// BootstrapNode is a well-known node given as a hex public key and a
// host:port address. The address is resolved on every bootstrap attempt.
type BootstrapNode struct {
	PublicKey string
	Address   string
}

// Config holds everything a node needs to run.
//
//export ToxNodeConfig
type Config struct {
	// SecretKey is the hex DHT secret key. It takes precedence over KeysFile.
	SecretKey string
	// KeysFile stores the DHT key pair; it is created when missing.
	KeysFile string

	// UDPAddress is the host:port the DHT socket binds.
	UDPAddress string
	// TCPAddresses are accepted for compatibility; the node runs no TCP relay.
	TCPAddresses []string

	BootstrapNodes []BootstrapNode
	// BootstrapMinNodes is the routing table size below which the node keeps
	// contacting its bootstrap nodes.
	BootstrapMinNodes int
	// BucketSubnetLimit caps the peers one /24 subnet may hold in a bucket.
	// Zero disables the cap.
	BucketSubnetLimit int

	LANDiscovery bool
	LANInterval  time.Duration

	// MOTD is the message of the day template, see RenderMOTD.
	MOTD string

	RateLimit transport.RateLimitConfig
	// NetRestrict is a comma separated CIDR list; packets from other sources
	// are dropped. Empty allows everyone.
	NetRestrict string

	Maintenance        dht.MaintenanceConfig
	MaxPendingRequests int

	PathCapacity    int
	PathTimeout     time.Duration
	AnnounceEntries int
	AnnounceTimeout time.Duration

	UDP transport.UDPOptions

	// StatsInterval is how often Stats is logged and passed to StatsHook.
	// Zero disables the report.
	StatsInterval time.Duration
	StatsHook     func(Stats)
}

// DefaultConfig returns the settings of a public bootstrap node. UDPAddress
// and a key source still have to be filled in.
func DefaultConfig() Config {
	return Config{
		BootstrapMinNodes:  4,
		LANDiscovery:       true,
		LANInterval:        10 * time.Second,
		MOTD:               DefaultMOTD,
		RateLimit:          transport.DefaultRateLimitConfig(),
		Maintenance:        dht.DefaultMaintenanceConfig(),
		MaxPendingRequests: 4096,
		PathCapacity:       onion.DefaultPathCapacity,
		PathTimeout:        onion.DefaultPathTimeout,
		AnnounceEntries:    onion.AnnounceEntries,
		AnnounceTimeout:    onion.AnnounceTimeout,
		UDP:                transport.DefaultUDPOptions(),
		StatsInterval:      time.Minute,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.SecretKey == "" && c.KeysFile == "" {
		return fmt.Errorf("%w: neither secret key nor keys file is specified", ErrInvalidConfig)
	}
	if c.UDPAddress == "" {
		return fmt.Errorf("%w: no UDP address", ErrInvalidConfig)
	}
	for _, bn := range c.BootstrapNodes {
		if _, err := dht.ParseNodeID(bn.PublicKey); err != nil {
			return fmt.Errorf("%w: bootstrap node %s: %v", ErrInvalidConfig, bn.Address, err)
		}
	}
	if err := ValidateMOTD(c.MOTD); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.netRestrict(); err != nil {
		return fmt.Errorf("%w: net restrict: %v", ErrInvalidConfig, err)
	}
	if c.RateLimit.PacketsPerSecond < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalidConfig)
	}
	if c.BucketSubnetLimit < 0 {
		return fmt.Errorf("%w: negative bucket subnet limit", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero durations and sizes from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BootstrapMinNodes <= 0 {
		c.BootstrapMinNodes = d.BootstrapMinNodes
	}
	if c.LANInterval <= 0 {
		c.LANInterval = d.LANInterval
	}
	if c.Maintenance.RequestTimeout <= 0 {
		c.Maintenance = d.Maintenance
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = d.MaxPendingRequests
	}
	if c.PathCapacity <= 0 {
		c.PathCapacity = d.PathCapacity
	}
	if c.PathTimeout <= 0 {
		c.PathTimeout = d.PathTimeout
	}
	if c.AnnounceEntries <= 0 {
		c.AnnounceEntries = d.AnnounceEntries
	}
	if c.AnnounceTimeout <= 0 {
		c.AnnounceTimeout = d.AnnounceTimeout
	}
	return c
}

func (c *Config) netRestrict() (*netutil.Netlist, error) {
	if strings.TrimSpace(c.NetRestrict) == "" {
		return nil, nil
	}
	return netutil.ParseNetlist(c.NetRestrict)
}

// keyPair resolves the configured key source.
func (c *Config) keyPair() (*crypto.KeyPair, error) {
	if c.SecretKey == "" {
		return crypto.LoadOrGenerateKeys(c.KeysFile)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(c.SecretKey))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: secret key must be 64 hex characters", ErrInvalidConfig)
	}
	var sk [32]byte
	copy(sk[:], raw)
	crypto.ZeroBytes(raw)
	kp, err := crypto.FromSecretKey(sk)
	crypto.ZeroBytes(sk[:])
	return kp, err
}
