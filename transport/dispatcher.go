package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/limits"
)

// DispatcherStats counts what happened to inbound datagrams.
type DispatcherStats struct {
	Received      uint64
	Handled       uint64
	Restricted    uint64
	RateLimited   uint64
	UnknownType   uint64
	TooShort      uint64
	Malformed     uint64
	AuthFailures  uint64
	Dropped       uint64
	HandlerErrors uint64
	ByType        map[PacketType]uint64
}

type registration struct {
	minLen  int
	handler PacketHandler
}

// Dispatcher routes inbound datagrams to the handler registered for their
// type tag. Before a handler runs, the source must pass the network
// restriction and its rate limit, and the datagram must meet the handler's
// minimum length. Malformed datagrams, including unknown tags, charge the
// source's rate limit.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[PacketType]registration
	limiter  *RateLimiter
	restrict *netutil.Netlist

	statsMu sync.Mutex
	stats   DispatcherStats
}

// NewDispatcher creates a dispatcher. limiter and restrict may be nil.
func NewDispatcher(limiter *RateLimiter, restrict *netutil.Netlist) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[PacketType]registration),
		limiter:  limiter,
		restrict: restrict,
		stats:    DispatcherStats{ByType: make(map[PacketType]uint64)},
	}
}

// RegisterHandler registers handler for packetType. minLen is the minimum
// datagram length including the type byte.
func (d *Dispatcher) RegisterHandler(packetType PacketType, minLen int, handler PacketHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if minLen < 1 {
		minLen = 1
	}
	d.handlers[packetType] = registration{minLen: minLen, handler: handler}
}

// Dispatch processes one datagram. The returned error is informational; it
// has already been counted and logged.
func (d *Dispatcher) Dispatch(data []byte, addr *net.UDPAddr) error {
	d.count(func(s *DispatcherStats) { s.Received++ })

	if d.restrict != nil && !d.restrict.Contains(addr.IP) {
		d.count(func(s *DispatcherStats) { s.Restricted++ })
		return fmt.Errorf("%w: source %s outside allowed networks", ErrDropped, addr.IP)
	}

	if d.limiter != nil && !d.limiter.Allow(addr.IP) {
		d.count(func(s *DispatcherStats) { s.RateLimited++ })
		return fmt.Errorf("%w: source %s rate limited", ErrDropped, addr.IP)
	}

	if err := limits.ValidateDatagram(data); err != nil {
		d.count(func(s *DispatcherStats) { s.Malformed++ })
		d.penalize(addr)
		return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	packetType := PacketType(data[0])
	d.mu.RLock()
	reg, ok := d.handlers[packetType]
	d.mu.RUnlock()

	if !ok {
		d.count(func(s *DispatcherStats) { s.UnknownType++ })
		d.penalize(addr)
		logrus.WithFields(logrus.Fields{
			"function":    "Dispatch",
			"packet_type": packetType.String(),
			"from":        addr.String(),
		}).Debug("No handler for packet type")
		return fmt.Errorf("%w: unknown packet type %s", ErrMalformedPacket, packetType)
	}

	if err := limits.ValidatePacketSize(data, reg.minLen, limits.MaxUDPPacketSize); err != nil {
		d.count(func(s *DispatcherStats) { s.TooShort++ })
		d.penalize(addr)
		return fmt.Errorf("%w: %s: %w", ErrMalformedPacket, packetType, err)
	}

	d.count(func(s *DispatcherStats) { s.ByType[packetType]++ })
	err := reg.handler(&Packet{PacketType: packetType, Data: data[1:]}, addr)
	d.classify(packetType, addr, err)
	return err
}

func (d *Dispatcher) classify(packetType PacketType, addr *net.UDPAddr, err error) {
	fields := logrus.Fields{
		"function":    "Dispatch",
		"packet_type": packetType.String(),
		"from":        addr.String(),
	}

	switch {
	case err == nil:
		d.count(func(s *DispatcherStats) { s.Handled++ })
	case errors.Is(err, ErrMalformedPacket):
		d.count(func(s *DispatcherStats) { s.Malformed++ })
		d.penalize(addr)
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Malformed packet")
	case errors.Is(err, crypto.ErrAuthFailure):
		d.count(func(s *DispatcherStats) { s.AuthFailures++ })
		d.penalize(addr)
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Packet failed authentication")
	case errors.Is(err, ErrDropped):
		d.count(func(s *DispatcherStats) { s.Dropped++ })
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Packet dropped")
	default:
		d.count(func(s *DispatcherStats) { s.HandlerErrors++ })
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Packet handler failed")
	}
}

func (d *Dispatcher) penalize(addr *net.UDPAddr) {
	if d.limiter != nil {
		d.limiter.Penalize(addr.IP)
	}
}

func (d *Dispatcher) count(update func(*DispatcherStats)) {
	d.statsMu.Lock()
	update(&d.stats)
	d.statsMu.Unlock()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	snapshot := d.stats
	snapshot.ByType = make(map[PacketType]uint64, len(d.stats.ByType))
	for k, v := range d.stats.ByType {
		snapshot.ByType[k] = v
	}
	return snapshot
}
