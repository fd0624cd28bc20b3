package dht

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// BootstrapNode is a well-known node used to join the network.
//
//export ToxDHTBootstrapNode
type BootstrapNode struct {
	Address   string
	PublicKey NodeID
	LastUsed  time.Time
	Success   bool
}

// BootstrapManager handles the process of connecting to the Tox network.
// While the routing table holds fewer than MinNodes peers it re-sends nodes
// requests to the bootstrap nodes, spacing attempts with exponential backoff.
//
//export ToxDHTBootstrapManager
type BootstrapManager struct {
	nodes       []*BootstrapNode
	sender      requester
	table       *RoutingTable
	minNodes    int
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	attempts    int
	resolve     func(address string) (*net.UDPAddr, error)
	mu          sync.RWMutex
}

// NewBootstrapManager creates a new bootstrap manager.
//
//export ToxDHTBootstrapManagerNew
func NewBootstrapManager(sender requester, table *RoutingTable, minNodes int) *BootstrapManager {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // never give up
	b.Reset()

	if minNodes <= 0 {
		minNodes = 4
	}
	return &BootstrapManager{
		sender:   sender,
		table:    table,
		minNodes: minNodes,
		backoff:  b,
		resolve: func(address string) (*net.UDPAddr, error) {
			return net.ResolveUDPAddr("udp", address)
		},
	}
}

// AddNode adds a bootstrap node. The address is resolved on every attempt.
//
//export ToxDHTBootstrapAddNode
func (bm *BootstrapManager) AddNode(address, publicKeyHex string) error {
	id, err := ParseNodeID(publicKeyHex)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"address":  address,
			"error":    err.Error(),
		}).Error("Invalid bootstrap node key")
		return &BootstrapError{Type: "key", Node: address, Cause: err}
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return &BootstrapError{Type: "address", Node: address, Cause: err}
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.nodes = append(bm.nodes, &BootstrapNode{Address: address, PublicKey: id})

	logrus.WithFields(logrus.Fields{
		"function":   "AddNode",
		"address":    address,
		"public_key": id.Short(),
	}).Debug("Bootstrap node added")
	return nil
}

// Bootstrap sends a nodes request for our own ID to every bootstrap node.
// It fails only if no request could be sent.
//
//export ToxDHTBootstrap
func (bm *BootstrapManager) Bootstrap(now time.Time) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if len(bm.nodes) == 0 {
		return &BootstrapError{Type: "request", Node: "none", Cause: errors.New("no bootstrap nodes configured")}
	}
	bm.attempts++

	var lastErr error
	sent := 0
	self := bm.table.Self()
	for _, bn := range bm.nodes {
		addr, err := bm.resolve(bn.Address)
		if err != nil {
			lastErr = &BootstrapError{Type: "resolve", Node: bn.Address, Cause: err}
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"node":     bn.Address,
				"error":    err.Error(),
			}).Warn("Could not resolve bootstrap node")
			continue
		}
		if err := bm.sender.SendNodesRequest(bn.PublicKey, addr, self); err != nil {
			lastErr = &BootstrapError{Type: "request", Node: bn.Address, Cause: err}
			continue
		}
		bn.LastUsed = now
		bn.Success = true
		sent++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"attempt":  bm.attempts,
		"sent":     sent,
		"nodes":    len(bm.nodes),
	}).Info("Bootstrap round sent")

	if sent == 0 {
		return lastErr
	}
	return nil
}

// Tick bootstraps if the table is below MinNodes and the backoff delay has
// passed. It reports whether an attempt was made. Without bootstrap nodes it
// does nothing, so nodes added later are picked up by the next tick.
func (bm *BootstrapManager) Tick(now time.Time) bool {
	bm.mu.RLock()
	empty := len(bm.nodes) == 0
	bm.mu.RUnlock()
	if empty {
		return false
	}

	if bm.IsBootstrapped() {
		bm.mu.Lock()
		if !bm.nextAttempt.IsZero() {
			bm.backoff.Reset()
			bm.nextAttempt = time.Time{}
		}
		bm.mu.Unlock()
		return false
	}

	bm.mu.RLock()
	wait := now.Before(bm.nextAttempt)
	bm.mu.RUnlock()
	if wait {
		return false
	}

	if err := bm.Bootstrap(now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Tick",
			"error":    err.Error(),
		}).Warn("Bootstrap attempt failed")
	}

	bm.mu.Lock()
	delay := bm.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = bm.backoff.MaxInterval
	}
	bm.nextAttempt = now.Add(delay)
	bm.mu.Unlock()
	return true
}

// IsBootstrapped reports whether the routing table holds at least MinNodes peers.
//
//export ToxDHTIsBootstrapped
func (bm *BootstrapManager) IsBootstrapped() bool {
	return bm.table.Size() >= bm.minNodes
}

// Nodes returns copies of the configured bootstrap nodes.
//
//export ToxDHTGetBootstrapNodes
func (bm *BootstrapManager) Nodes() []BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]BootstrapNode, len(bm.nodes))
	for i, bn := range bm.nodes {
		nodes[i] = *bn
	}
	return nodes
}
