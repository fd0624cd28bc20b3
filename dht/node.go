package dht

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// NodeID is a DHT public key. It doubles as the node's position in the
// XOR metric space.
type NodeID [32]byte

// ParseNodeID decodes a 64-character hex public key.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid public key length %d, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// Distance calculates the XOR distance between two IDs.
//
//export ToxDHTNodeDistance
func (id NodeID) Distance(other NodeID) [32]byte {
	var result [32]byte
	for i := 0; i < 32; i++ {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// String returns the upper-case hex form used by Tox tooling.
func (id NodeID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Short returns the first 8 bytes in hex, for logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:8])
}

// NodeStatus represents the connection status of a node.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

func (s NodeStatus) String() string {
	switch s {
	case StatusBad:
		return "bad"
	case StatusGood:
		return "good"
	default:
		return "unknown"
	}
}

// PingStats tracks ping statistics for a node.
type PingStats struct {
	LastPingSent     time.Time
	LastPingReceived time.Time
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// PeerInfo describes a peer in the routing table. The bucket holding a peer
// owns it; callers always receive copies.
//
//export ToxDHTNode
type PeerInfo struct {
	ID        NodeID
	Addr      *net.UDPAddr
	LastSeen  time.Time
	RTT       time.Duration
	Status    NodeStatus
	PingStats PingStats
	AddedAt   time.Time
}

// NewPeerInfo creates a peer with unknown status.
//
//export ToxDHTNodeNew
func NewPeerInfo(id NodeID, addr *net.UDPAddr, now time.Time) PeerInfo {
	return PeerInfo{
		ID:       id,
		Addr:     cloneAddr(addr),
		LastSeen: now,
		AddedAt:  now,
		Status:   StatusUnknown,
	}
}

// clone returns a deep copy of p.
func (p *PeerInfo) clone() *PeerInfo {
	c := *p
	c.Addr = cloneAddr(p.Addr)
	return &c
}

// IsActive checks if the peer has been seen within timeout of now.
//
//export ToxDHTNodeIsActive
func (p *PeerInfo) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) < timeout
}

// RecordPingSent marks that a ping was sent to this peer.
//
//export ToxDHTNodeRecordPingSent
func (p *PeerInfo) RecordPingSent(now time.Time) {
	p.PingStats.LastPingSent = now
	p.PingStats.PingCount++
}

// RecordPingResponse marks the outcome of a ping to this peer.
//
//export ToxDHTNodeRecordPingResponse
func (p *PeerInfo) RecordPingResponse(success bool, now time.Time) {
	if success {
		p.PingStats.LastPingReceived = now
		p.PingStats.SuccessCount++
		p.LastSeen = now
		p.Status = StatusGood
	} else {
		p.PingStats.FailureCount++
		p.Status = StatusBad
	}
}

// Reliability returns a reliability score for this peer (0.0-1.0).
//
//export ToxDHTNodeGetReliability
func (p *PeerInfo) Reliability() float64 {
	if p.PingStats.PingCount == 0 {
		return 0.0
	}
	return float64(p.PingStats.SuccessCount) / float64(p.PingStats.PingCount)
}

func cloneAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	return &net.UDPAddr{
		IP:   append(net.IP(nil), addr.IP...),
		Port: addr.Port,
		Zone: addr.Zone,
	}
}
