package onion

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/dht"
	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

const (
	// DefaultPathTimeout is how long an unused path is kept.
	DefaultPathTimeout = 30 * time.Second
	// DefaultPathCapacity bounds the number of live paths.
	DefaultPathCapacity = 8192
)

// Path is the relay-side state of one onion path: the key that seals its
// return block and the address responses are sent back to. The path id is
// the nonce of the return block, so responses carry it in the clear.
//
//export ToxOnionPath
type Path struct {
	ID        crypto.Nonce
	Key       [32]byte
	Requester *net.UDPAddr
	// Return is the sealed return block attached to requests on this path.
	Return   []byte
	Created  time.Time
	LastUsed time.Time

	tuple string
}

func (p *Path) expired(now time.Time, idle time.Duration) bool {
	return now.Sub(p.LastUsed) > idle
}

func (p *Path) copy() Path {
	c := *p
	c.Requester = &net.UDPAddr{IP: append(net.IP(nil), p.Requester.IP...), Port: p.Requester.Port}
	c.Return = append([]byte(nil), p.Return...)
	return c
}

// PathCache maps path ids to paths. Paths idle for longer than the timeout
// are treated as unknown and removed by Sweep.
//
//export ToxOnionPathCache
type PathCache struct {
	mu       sync.Mutex
	paths    map[crypto.Nonce]*Path
	byTuple  map[string]crypto.Nonce
	capacity int
	idle     time.Duration
	clock    dht.TimeProvider
}

// NewPathCache creates a path cache. Zero values select the defaults.
func NewPathCache(capacity int, idle time.Duration) *PathCache {
	if capacity <= 0 {
		capacity = DefaultPathCapacity
	}
	if idle <= 0 {
		idle = DefaultPathTimeout
	}
	return &PathCache{
		paths:    make(map[crypto.Nonce]*Path),
		byTuple:  make(map[string]crypto.Nonce),
		capacity: capacity,
		idle:     idle,
		clock:    dht.RealTimeProvider{},
	}
}

// SetTimeProvider replaces the cache clock.
func (c *PathCache) SetTimeProvider(tp dht.TimeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp == nil {
		tp = dht.RealTimeProvider{}
	}
	c.clock = tp
}

// Put returns the path for tuple, creating it on first use. A new path gets
// a fresh key and id, and its return block seals the requester's IP_Port
// followed by inner, the return block the request arrived with.
func (c *PathCache) Put(tuple string, requester *net.UDPAddr, inner []byte) (Path, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if id, ok := c.byTuple[tuple]; ok {
		p := c.paths[id]
		if !p.expired(now, c.idle) {
			p.LastUsed = now
			return p.copy(), nil
		}
		c.remove(p)
	}

	if len(c.paths) >= c.capacity {
		c.sweep(now)
		if len(c.paths) >= c.capacity {
			return Path{}, ErrPathCacheFull
		}
	}

	p, err := c.newPath(now, requester, inner)
	if err != nil {
		return Path{}, err
	}
	p.tuple = tuple
	c.paths[p.ID] = p
	c.byTuple[tuple] = p.ID
	return p.copy(), nil
}

func (c *PathCache) newPath(now time.Time, requester *net.UDPAddr, inner []byte) (*Path, error) {
	p := &Path{
		Requester: &net.UDPAddr{IP: transport.NormalizeIP(requester.IP), Port: requester.Port},
		Created:   now,
		LastUsed:  now,
	}
	if _, err := rand.Read(p.Key[:]); err != nil {
		return nil, fmt.Errorf("generate path key: %w", err)
	}
	for {
		id, err := crypto.GenerateNonce()
		if err != nil {
			return nil, err
		}
		if _, used := c.paths[id]; !used {
			p.ID = id
			break
		}
	}

	plain := make([]byte, limits.IPPortSize, limits.IPPortSize+len(inner))
	if err := transport.PackIPPort(plain, p.Requester); err != nil {
		return nil, err
	}
	plain = append(plain, inner...)
	sealed, err := crypto.EncryptSymmetric(plain, p.ID, p.Key)
	if err != nil {
		return nil, err
	}
	p.Return = make([]byte, 0, limits.NonceSize+len(sealed))
	p.Return = append(p.Return, p.ID[:]...)
	p.Return = append(p.Return, sealed...)
	return p, nil
}

// Get returns the live path with id.
func (c *PathCache) Get(id crypto.Nonce) (Path, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.paths[id]
	if !ok {
		return Path{}, false
	}
	if p.expired(c.clock.Now(), c.idle) {
		c.remove(p)
		return Path{}, false
	}
	return p.copy(), true
}

// Touch marks path id as used now. It reports whether the path is live.
func (c *PathCache) Touch(id crypto.Nonce) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.paths[id]
	if !ok {
		return false
	}
	now := c.clock.Now()
	if p.expired(now, c.idle) {
		c.remove(p)
		return false
	}
	p.LastUsed = now
	return true
}

// Sweep removes paths idle at now and returns how many were removed.
func (c *PathCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.sweep(now)
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"removed":  removed,
			"live":     len(c.paths),
		}).Debug("Expired onion paths")
	}
	return removed
}

func (c *PathCache) sweep(now time.Time) int {
	removed := 0
	for _, p := range c.paths {
		if p.expired(now, c.idle) {
			c.remove(p)
			removed++
		}
	}
	return removed
}

func (c *PathCache) remove(p *Path) {
	delete(c.paths, p.ID)
	if c.byTuple[p.tuple] == p.ID {
		delete(c.byTuple, p.tuple)
	}
	crypto.ZeroBytes(p.Key[:])
}

// Len returns the number of cached paths, including idle ones not yet swept.
func (c *PathCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

// Timeout returns the idle timeout.
func (c *PathCache) Timeout() time.Duration {
	return c.idle
}
