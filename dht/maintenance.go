package dht

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for DHT maintenance.
type MaintenanceConfig struct {
	// How often each bucket is refreshed with a nodes request
	RefreshInterval time.Duration
	// How often stale peers are pinged
	PingInterval time.Duration
	// How long a request waits before it is resent or times out
	RequestTimeout time.Duration
	// How many times an unanswered request is resent
	MaxRetries int
	// How long a peer may be silent before it is pinged
	StaleAfter time.Duration
	// How long a bad peer is kept before it is removed
	BadNodeTimeout time.Duration
}

// DefaultMaintenanceConfig returns the toxcore timings.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		RefreshInterval: 60 * time.Second,
		PingInterval:    30 * time.Second,
		RequestTimeout:  5 * time.Second,
		MaxRetries:      1,
		StaleAfter:      60 * time.Second,
		BadNodeTimeout:  122 * time.Second,
	}
}

// requester sends the DHT requests maintenance needs. Server implements it.
type requester interface {
	SendPing(peer NodeID, addr *net.UDPAddr) error
	SendNodesRequest(peer NodeID, addr *net.UDPAddr, target NodeID) error
}

// Maintainer handles periodic DHT maintenance tasks. Its methods are called
// by the node's scheduler; it runs no goroutines of its own.
//
//export ToxDHTMaintainer
type Maintainer struct {
	table   *RoutingTable
	pending *PendingRequests
	sender  requester
	config  MaintenanceConfig
}

// NewMaintainer creates a new DHT maintenance manager.
//
//export ToxDHTMaintainerNew
func NewMaintainer(table *RoutingTable, pending *PendingRequests, sender requester, config MaintenanceConfig) *Maintainer {
	return &Maintainer{
		table:   table,
		pending: pending,
		sender:  sender,
		config:  config,
	}
}

// Config returns the maintenance timings.
func (m *Maintainer) Config() MaintenanceConfig {
	return m.config
}

// RefreshBuckets sends a nodes request toward a random ID in every bucket
// that has not been refreshed within RefreshInterval. It returns the number
// of requests sent.
func (m *Maintainer) RefreshBuckets(now time.Time) int {
	sent := 0
	for _, i := range m.table.BucketsToRefresh(now, m.config.RefreshInterval) {
		target := m.table.RandomIDInBucket(i)
		closest := m.table.ClosestTo(target, 1)
		m.table.MarkRefreshed(i, now)
		if len(closest) == 0 {
			continue
		}

		peer := closest[0]
		if err := m.sender.SendNodesRequest(peer.ID, peer.Addr, target); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RefreshBuckets",
				"bucket":   i,
				"error":    err.Error(),
			}).Debug("Bucket refresh request failed")
			continue
		}
		sent++
	}

	if sent > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "RefreshBuckets",
			"requests": sent,
		}).Debug("Refreshed buckets")
	}
	return sent
}

// PingStale pings peers not seen within StaleAfter and removes bad peers
// silent for longer than BadNodeTimeout.
func (m *Maintainer) PingStale(now time.Time) (pinged, pruned int) {
	for _, peer := range m.table.All() {
		silent := now.Sub(peer.LastSeen)

		if peer.Status == StatusBad && silent > m.config.BadNodeTimeout {
			if m.table.Remove(peer.ID) {
				pruned++
				logrus.WithFields(logrus.Fields{
					"function":    "PingStale",
					"peer":        peer.ID.Short(),
					"silent":      silent.String(),
					"reliability": peer.Reliability(),
				}).Debug("Pruned unresponsive peer")
			}
			continue
		}
		if peer.IsActive(now, m.config.StaleAfter) || now.Sub(peer.PingStats.LastPingSent) < m.config.PingInterval {
			continue
		}
		if m.pending.HasPending(KindPing, peer.ID) {
			continue
		}
		if err := m.sender.SendPing(peer.ID, peer.Addr); err == nil {
			pinged++
		}
	}

	if pinged > 0 || pruned > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PingStale",
			"pinged":   pinged,
			"pruned":   pruned,
			"size":     m.table.Size(),
		}).Debug("Liveness pass complete")
	}
	return pinged, pruned
}

// ExpireRequests resends overdue requests and settles those that timed out:
// peers that ignored a request are marked unresponsive, and an unanswered
// eviction check evicts the challenged peer.
func (m *Maintainer) ExpireRequests(now time.Time) []*PendingRequest {
	expired := m.pending.Expire(now)
	for _, req := range expired {
		switch req.Kind {
		case KindPing, KindNodesRequest:
			m.table.MarkUnresponsive(req.Peer)
		case KindEvictionCheck:
			m.table.ResolveEviction(req.Peer, false)
		}

		logrus.WithFields(logrus.Fields{
			"function": "ExpireRequests",
			"kind":     req.Kind.String(),
			"peer":     req.Peer.Short(),
			"retries":  req.Retries,
			"error":    req.Err.Error(),
		}).Debug("Request expired")
	}
	return expired
}
