package dht

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/limits"
)

// ErrRequestTimeout is recorded on requests that were never answered.
var ErrRequestTimeout = errors.New("request timed out")

// RequestKind is the purpose of a pending request.
type RequestKind uint8

const (
	KindPing RequestKind = iota
	KindNodesRequest
	KindEvictionCheck
	KindNatPing
)

func (k RequestKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindNodesRequest:
		return "nodes_request"
	case KindEvictionCheck:
		return "eviction_check"
	case KindNatPing:
		return "nat_ping"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// answersAs reports whether a response for kind k may settle a request of
// kind want. Eviction checks are pings.
func (k RequestKind) answersAs(want RequestKind) bool {
	return k == want || (k == KindPing && want == KindEvictionCheck)
}

// RequestState is the lifecycle state of a pending request.
type RequestState uint8

const (
	Waiting RequestState = iota
	Answered
	TimedOut
)

// PendingRequest is an outstanding ping or nodes request.
type PendingRequest struct {
	ID      uint64
	Kind    RequestKind
	Peer    NodeID
	Addr    *net.UDPAddr
	Target  NodeID
	Sent    time.Time
	Retries int
	State   RequestState
	Err     error

	resend func() error
}

// PendingRequests tracks requests awaiting a response. A request that is not
// answered within Timeout is resent, up to MaxRetries times; after
// Timeout*(MaxRetries+1) it times out, exactly once.
type PendingRequests struct {
	mu         sync.Mutex
	requests   map[uint64]*PendingRequest
	timeout    time.Duration
	maxRetries int
	maxPending int
	clock      TimeProvider
}

// NewPendingRequests creates a request tracker.
func NewPendingRequests(timeout time.Duration, maxRetries, maxPending int) *PendingRequests {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PendingRequests{
		requests:   make(map[uint64]*PendingRequest),
		timeout:    timeout,
		maxRetries: maxRetries,
		maxPending: maxPending,
		clock:      RealTimeProvider{},
	}
}

// SetTimeProvider replaces the clock used to stamp new requests.
func (p *PendingRequests) SetTimeProvider(tp TimeProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = getTimeProvider(tp)
}

// Add registers a request and returns its ping id. resend is called on each
// grace retry and may be nil.
func (p *PendingRequests) Add(kind RequestKind, peer NodeID, addr *net.UDPAddr, target NodeID, resend func() error) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxPending > 0 && len(p.requests) >= p.maxPending {
		return 0, fmt.Errorf("pending requests: %w", limits.ErrResourceExhaustion)
	}

	id, err := p.newID()
	if err != nil {
		return 0, err
	}
	p.requests[id] = &PendingRequest{
		ID:     id,
		Kind:   kind,
		Peer:   peer,
		Addr:   cloneAddr(addr),
		Target: target,
		Sent:   p.clock.Now(),
		State:  Waiting,
		resend: resend,
	}
	return id, nil
}

// newID returns an unused, non-zero random ping id.
func (p *PendingRequests) newID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate ping id: %w", err)
		}
		id := binary.BigEndian.Uint64(buf[:])
		if _, used := p.requests[id]; id != 0 && !used {
			return id, nil
		}
	}
}

// Answer settles request id if it is waiting for a response of kind from
// peer. The settled request is returned.
func (p *PendingRequests) Answer(id uint64, kind RequestKind, from NodeID) (*PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.requests[id]
	if !ok || req.Peer != from || !kind.answersAs(req.Kind) {
		return nil, false
	}
	delete(p.requests, id)
	req.State = Answered
	return req, true
}

// Cancel forgets request id without settling it.
func (p *PendingRequests) Cancel(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requests, id)
}

// HasPending reports whether a request of kind to peer is outstanding.
func (p *PendingRequests) HasPending(kind RequestKind, peer NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, req := range p.requests {
		if req.Kind == kind && req.Peer == peer {
			return true
		}
	}
	return false
}

// Expire resends requests whose current attempt has timed out and returns
// those that have run out of retries. Each request is returned at most once.
func (p *PendingRequests) Expire(now time.Time) []*PendingRequest {
	var expired []*PendingRequest
	var resends []*PendingRequest

	p.mu.Lock()
	for id, req := range p.requests {
		deadline := req.Sent.Add(p.timeout * time.Duration(req.Retries+1))
		if now.Before(deadline) {
			continue
		}
		if req.Retries < p.maxRetries {
			req.Retries++
			resends = append(resends, req)
			continue
		}
		delete(p.requests, id)
		req.State = TimedOut
		req.Err = ErrRequestTimeout
		expired = append(expired, req)
	}
	p.mu.Unlock()

	for _, req := range resends {
		if req.resend == nil {
			continue
		}
		if err := req.resend(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Expire",
				"peer":     req.Peer.Short(),
				"kind":     req.Kind.String(),
				"id":       req.ID,
				"retries":  req.Retries,
				"error":    err.Error(),
			}).Debug("Failed to resend request")
		}
	}
	return expired
}

// Len returns the number of outstanding requests.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
