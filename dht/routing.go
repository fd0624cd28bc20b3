package dht

import (
	"container/heap"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/limits"
)

const (
	// BucketSize is K, the number of peers per bucket.
	BucketSize = 8
	// NumBuckets is one bucket per possible shared-prefix length.
	NumBuckets = 256

	// bucketSubnet is the prefix length of a "subnet" for the optional
	// per-bucket IP limit.
	bucketSubnet = 24
)

var (
	// ErrBucketFull is returned when a bucket has no room and an eviction
	// challenge is already running for it.
	ErrBucketFull = fmt.Errorf("bucket full: %w", limits.ErrResourceExhaustion)

	// ErrSubnetLimit is returned when a subnet limit is set and a bucket
	// already holds that many peers from the candidate's subnet.
	ErrSubnetLimit = errors.New("too many peers from subnet")

	// ErrSelfInsert is returned when inserting the table's own ID.
	ErrSelfInsert = errors.New("cannot insert own node ID")
)

// InsertResult describes what Insert did with a peer.
type InsertResult int

const (
	Added InsertResult = iota
	Updated
	PendingEviction
	Rejected
)

func (r InsertResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case PendingEviction:
		return "pending_eviction"
	default:
		return "rejected"
	}
}

// KBucket implements a k-bucket for the Kademlia DHT. Entries are ordered
// least recently seen first. While an eviction challenge runs, the bucket
// holds one replacement candidate.
type KBucket struct {
	entries     []*PeerInfo
	maxSize     int
	candidate   *PeerInfo
	challenged  NodeID
	ips         *netutil.DistinctNetSet
	lastRefresh time.Time
}

// NewKBucket creates a new k-bucket with the specified maximum size and no
// subnet limit.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		entries: make([]*PeerInfo, 0, maxSize),
		maxSize: maxSize,
	}
}

// setSubnetLimit limits the bucket to limit peers per /24 (or IPv6 /24)
// subnet. Zero removes the limit. Existing entries are counted but never
// evicted.
func (kb *KBucket) setSubnetLimit(limit int) {
	if limit <= 0 {
		kb.ips = nil
		return
	}
	kb.ips = &netutil.DistinctNetSet{Subnet: bucketSubnet, Limit: uint(limit)}
	for _, e := range kb.entries {
		kb.addIP(e.Addr.IP)
	}
}

func (kb *KBucket) indexOf(id NodeID) int {
	for i, e := range kb.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (kb *KBucket) addIP(ip net.IP) bool {
	if kb.ips == nil || ip == nil || netutil.IsLAN(ip) {
		return true
	}
	return kb.ips.Add(ip)
}

func (kb *KBucket) removeIP(ip net.IP) {
	if kb.ips == nil || ip == nil || netutil.IsLAN(ip) {
		return
	}
	kb.ips.Remove(ip)
}

// removeAt drops entry i, keeping the order of the rest.
func (kb *KBucket) removeAt(i int) *PeerInfo {
	e := kb.entries[i]
	kb.removeIP(e.Addr.IP)
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	return e
}

// bump moves entry i to the most recently seen end.
func (kb *KBucket) bump(i int) {
	e := kb.entries[i]
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	kb.entries = append(kb.entries, e)
}

// Len returns the number of entries in the bucket.
func (kb *KBucket) Len() int {
	return len(kb.entries)
}

// RoutingTable manages k-buckets for the DHT routing. Bucket i holds the
// peers whose IDs share exactly i leading bits with the local ID.
//
//export ToxDHTRoutingTable
type RoutingTable struct {
	buckets    [NumBuckets]*KBucket
	self       NodeID
	bucketSize int
	size       int
	clock      TimeProvider
	mu         sync.RWMutex
}

// NewRoutingTable creates a new DHT routing table.
//
//export ToxDHTRoutingTableNew
func NewRoutingTable(self NodeID, bucketSize int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = BucketSize
	}
	rt := &RoutingTable{
		self:       self,
		bucketSize: bucketSize,
		clock:      RealTimeProvider{},
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(bucketSize)
	}
	return rt
}

// SetTimeProvider replaces the clock used for timestamps.
func (rt *RoutingTable) SetTimeProvider(tp TimeProvider) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.clock = getTimeProvider(tp)
}

// SetSubnetLimit caps how many peers from one subnet each bucket holds.
// Zero, the default, disables the cap. A capped table may stop growing
// before its buckets are full, so the cap is meant for nodes under
// address-space flooding.
func (rt *RoutingTable) SetSubnetLimit(limit int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, kb := range rt.buckets {
		kb.setSubnetLimit(limit)
	}
}

// Self returns the local node ID.
func (rt *RoutingTable) Self() NodeID {
	return rt.self
}

// BucketIndex returns the bucket a peer with id belongs in.
func (rt *RoutingTable) BucketIndex(id NodeID) int {
	return getBucketIndex(rt.self.Distance(id))
}

// Insert adds or refreshes a peer.
//
// A known peer is refreshed and moved to the tail (Updated). A new peer is
// appended if the bucket has room (Added). Otherwise the peer becomes the
// bucket's replacement candidate and an entry is returned as a challenge to
// ping (PendingEviction): the first Bad entry if there is one, else the
// least recently seen. The caller settles it with ResolveEviction, so no
// entry is evicted without failing a fresh ping. If a challenge is already
// running, or a subnet limit is set and reached, the peer is Rejected with
// an error.
//
//export ToxDHTRoutingTableAddNode
func (rt *RoutingTable) Insert(peer PeerInfo) (InsertResult, *PeerInfo, error) {
	if peer.ID == rt.self {
		return Rejected, nil, ErrSelfInsert
	}
	if peer.Addr == nil {
		return Rejected, nil, errors.New("peer has no address")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	kb := rt.buckets[rt.BucketIndex(peer.ID)]

	if i := kb.indexOf(peer.ID); i >= 0 {
		existing := kb.entries[i]
		if !existing.Addr.IP.Equal(peer.Addr.IP) {
			kb.removeIP(existing.Addr.IP)
			if !kb.addIP(peer.Addr.IP) {
				kb.addIP(existing.Addr.IP)
				return Rejected, nil, ErrSubnetLimit
			}
		}
		existing.Addr = cloneAddr(peer.Addr)
		existing.LastSeen = now
		if peer.Status != StatusUnknown {
			existing.Status = peer.Status
		}
		kb.bump(i)
		return Updated, existing.clone(), nil
	}

	entry := peer.clone()
	entry.LastSeen = now
	if entry.AddedAt.IsZero() {
		entry.AddedAt = now
	}

	if len(kb.entries) < kb.maxSize {
		if !kb.addIP(entry.Addr.IP) {
			return Rejected, nil, ErrSubnetLimit
		}
		kb.entries = append(kb.entries, entry)
		rt.size++
		return Added, entry.clone(), nil
	}

	if kb.candidate != nil {
		return Rejected, nil, ErrBucketFull
	}

	challenged := kb.entries[0]
	for _, e := range kb.entries {
		if e.Status == StatusBad {
			challenged = e
			break
		}
	}
	kb.candidate = entry
	kb.challenged = challenged.ID
	logrus.WithFields(logrus.Fields{
		"function":   "Insert",
		"challenged": challenged.ID.Short(),
		"status":     challenged.Status.String(),
		"candidate":  entry.ID.Short(),
	}).Debug("Bucket full, challenging peer")
	return PendingEviction, challenged.clone(), nil
}

// ResolveEviction settles the challenge started by Insert. If the challenged
// peer answered, it is bumped and the candidate dropped; otherwise it is
// evicted and the candidate takes its place. It reports whether a matching
// challenge was running.
func (rt *RoutingTable) ResolveEviction(challenged NodeID, alive bool) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[rt.BucketIndex(challenged)]
	if kb.candidate == nil || kb.challenged != challenged {
		return false
	}

	candidate := kb.candidate
	kb.candidate = nil
	kb.challenged = NodeID{}

	i := kb.indexOf(challenged)
	if alive {
		if i >= 0 {
			kb.entries[i].LastSeen = rt.clock.Now()
			kb.entries[i].Status = StatusGood
			kb.bump(i)
		}
		return true
	}

	if i >= 0 {
		kb.removeAt(i)
		rt.size--
	}
	rt.promote(kb, candidate)
	return true
}

// promote appends a former candidate if the bucket has room for it.
func (rt *RoutingTable) promote(kb *KBucket, candidate *PeerInfo) {
	if len(kb.entries) >= kb.maxSize || !kb.addIP(candidate.Addr.IP) {
		return
	}
	kb.entries = append(kb.entries, candidate)
	rt.size++
}

// Remove deletes the peer with id. Removing an unknown peer is a no-op.
//
//export toxDHTRoutingTableRemoveNode
func (rt *RoutingTable) Remove(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[rt.BucketIndex(id)]
	i := kb.indexOf(id)
	if i < 0 {
		return false
	}
	kb.removeAt(i)
	rt.size--

	if kb.candidate != nil && kb.challenged == id {
		candidate := kb.candidate
		kb.candidate = nil
		kb.challenged = NodeID{}
		rt.promote(kb, candidate)
	}
	return true
}

// Get returns a copy of the peer with id.
func (rt *RoutingTable) Get(id NodeID) (PeerInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	kb := rt.buckets[rt.BucketIndex(id)]
	if i := kb.indexOf(id); i >= 0 {
		return *kb.entries[i].clone(), true
	}
	return PeerInfo{}, false
}

// MarkSeen records a verified response from id.
func (rt *RoutingTable) MarkSeen(id NodeID, addr *net.UDPAddr, rtt time.Duration) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[rt.BucketIndex(id)]
	i := kb.indexOf(id)
	if i < 0 {
		return false
	}

	e := kb.entries[i]
	if addr != nil && !e.Addr.IP.Equal(addr.IP) {
		kb.removeIP(e.Addr.IP)
		if kb.addIP(addr.IP) {
			e.Addr = cloneAddr(addr)
		} else {
			kb.addIP(e.Addr.IP)
		}
	} else if addr != nil {
		e.Addr.Port = addr.Port
	}
	if rtt > 0 {
		e.RTT = rtt
	}
	e.RecordPingResponse(true, rt.clock.Now())
	kb.bump(i)
	return true
}

// MarkPinged records that a ping was sent to id.
func (rt *RoutingTable) MarkPinged(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[rt.BucketIndex(id)]
	if i := kb.indexOf(id); i >= 0 {
		kb.entries[i].RecordPingSent(rt.clock.Now())
	}
}

// MarkUnresponsive flags id as Bad so it is replaced first.
func (rt *RoutingTable) MarkUnresponsive(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[rt.BucketIndex(id)]
	i := kb.indexOf(id)
	if i < 0 {
		return false
	}
	kb.entries[i].RecordPingResponse(false, rt.clock.Now())
	return true
}

// Size returns the number of peers in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size
}

// Capacity returns the maximum number of peers the table can hold.
func (rt *RoutingTable) Capacity() int {
	return rt.bucketSize * NumBuckets
}

// All returns copies of every peer in the table.
func (rt *RoutingTable) All() []PeerInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := make([]PeerInfo, 0, rt.size)
	for _, kb := range rt.buckets {
		for _, e := range kb.entries {
			all = append(all, *e.clone())
		}
	}
	return all
}

// BucketsToRefresh returns the non-empty buckets not refreshed within
// interval of now.
func (rt *RoutingTable) BucketsToRefresh(now time.Time, interval time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var stale []int
	for i, kb := range rt.buckets {
		if len(kb.entries) > 0 && now.Sub(kb.lastRefresh) >= interval {
			stale = append(stale, i)
		}
	}
	return stale
}

// MarkRefreshed records that bucket i was refreshed at now.
func (rt *RoutingTable) MarkRefreshed(i int, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if i >= 0 && i < NumBuckets {
		rt.buckets[i].lastRefresh = now
	}
}

// RandomIDInBucket returns a random ID that falls into bucket i.
func (rt *RoutingTable) RandomIDInBucket(i int) NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])

	if i >= NumBuckets-1 {
		i = NumBuckets - 1
	}
	// Copy the first i bits of self, flip bit i.
	for b := 0; b < i; b++ {
		setBit(&id, b, getBit(rt.self, b))
	}
	setBit(&id, i, !getBit(rt.self, i))
	return id
}

func getBit(id NodeID, bit int) bool {
	return id[bit/8]&(0x80>>(bit%8)) != 0
}

func setBit(id *NodeID, bit int, on bool) {
	mask := byte(0x80 >> (bit % 8))
	if on {
		id[bit/8] |= mask
	} else {
		id[bit/8] &^= mask
	}
}

// peerHeap implements heap.Interface for finding closest peers efficiently.
// It's a max-heap: the root is the farthest peer kept so far.
type peerHeap struct {
	peers     []*PeerInfo
	distances [][32]byte
	target    NodeID
}

func (h *peerHeap) Len() int { return len(h.peers) }

func (h *peerHeap) Less(i, j int) bool {
	return farther(h.distances[i], h.peers[i], h.distances[j], h.peers[j])
}

func (h *peerHeap) Swap(i, j int) {
	h.peers[i], h.peers[j] = h.peers[j], h.peers[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *peerHeap) Push(x interface{}) {
	item := x.(*PeerInfo)
	h.peers = append(h.peers, item)
	h.distances = append(h.distances, item.ID.Distance(h.target))
}

func (h *peerHeap) Pop() interface{} {
	old := h.peers
	n := len(old)
	item := old[n-1]
	h.peers = old[0 : n-1]
	h.distances = h.distances[0 : n-1]
	return item
}

// farther orders peers by distance, then by least recently seen.
func farther(da [32]byte, a *PeerInfo, db [32]byte, b *PeerInfo) bool {
	if da != db {
		return lessDistance(db, da)
	}
	return a.LastSeen.Before(b.LastSeen)
}

// ClosestTo returns at most n peers sorted by non-decreasing distance to
// target. Bad peers are skipped.
//
//export ToxDHTRoutingTableFindClosest
func (rt *RoutingTable) ClosestTo(target NodeID, n int) []PeerInfo {
	if n <= 0 {
		return []PeerInfo{}
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &peerHeap{
		peers:     make([]*PeerInfo, 0, n),
		distances: make([][32]byte, 0, n),
		target:    target,
	}

	for _, kb := range rt.buckets {
		for _, e := range kb.entries {
			if e.Status == StatusBad {
				continue
			}
			if h.Len() < n {
				heap.Push(h, e)
				continue
			}
			if farther(h.distances[0], h.peers[0], e.ID.Distance(target), e) {
				heap.Pop(h)
				heap.Push(h, e)
			}
		}
	}

	// Popping the max-heap yields farthest first; fill from the back.
	result := make([]PeerInfo, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = *heap.Pop(h).(*PeerInfo).clone()
	}
	return result
}

// getBucketIndex returns the number of leading zero bits of distance, which
// is the shared-prefix length of the two IDs.
func getBucketIndex(distance [32]byte) int {
	for i := 0; i < 32; i++ {
		if distance[i] == 0 {
			continue
		}
		b := distance[i]
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return NumBuckets - 1
}

// lessDistance compares two distances and returns true if a is less than b.
func lessDistance(a, b [32]byte) bool {
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return true
		} else if a[i] > b[i] {
			return false
		}
	}
	return false
}
