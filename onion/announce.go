package onion

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/dht"
	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

const (
	// AnnounceEntries is the size of the announce store.
	AnnounceEntries = 160
	// AnnounceTimeout is how long an announcement stays valid.
	AnnounceTimeout = 300 * time.Second

	pingIDSize   = 32
	sendbackSize = 8

	// Announce request plaintext: ping id, searched key, data key, sendback.
	announcePlainSize = pingIDSize + 2*limits.PublicKeySize + sendbackSize
	// Announce request body: nonce, sender key, sealed plaintext, return block.
	announceRequestSize = limits.NonceSize + limits.PublicKeySize + announcePlainSize +
		limits.EncryptionOverhead + limits.OnionReturn3Size
	// Data request body: destination key, nonce, temp key, sealed data, return block.
	dataRequestMinSize = limits.PublicKeySize + limits.NonceSize + limits.PublicKeySize +
		limits.EncryptionOverhead + limits.OnionReturn3Size
)

// Values of the is_stored byte of an announce response.
const (
	AnnounceNotFound byte = 0
	AnnounceFound    byte = 1
	AnnounceStored   byte = 2
)

// AnnounceEntry is a client reachable through this node. Data requests for
// PublicKey are sent back along Return, starting at Addr.
//
//export ToxOnionAnnounceEntry
type AnnounceEntry struct {
	PublicKey     dht.NodeID
	DataPublicKey [32]byte
	Addr          *net.UDPAddr
	Return        []byte
	StoredAt      time.Time
}

func (e *AnnounceEntry) clone() AnnounceEntry {
	c := *e
	c.Addr = &net.UDPAddr{IP: append(net.IP(nil), e.Addr.IP...), Port: e.Addr.Port}
	c.Return = append([]byte(nil), e.Return...)
	return c
}

// AnnounceStore keeps the clients announced at this node, ordered by
// distance to the node's own key so the closest clients are kept when the
// store is full.
//
//export ToxOnionAnnounceStore
type AnnounceStore struct {
	mu       sync.Mutex
	self     dht.NodeID
	entries  []*AnnounceEntry
	max      int
	lifetime time.Duration
	secret   [32]byte
	windows  epochs
	clock    dht.TimeProvider
}

// NewAnnounceStore creates an announce store for the node with key self.
// Zero values select the defaults.
func NewAnnounceStore(self dht.NodeID, max int, lifetime time.Duration) (*AnnounceStore, error) {
	if max <= 0 {
		max = AnnounceEntries
	}
	if lifetime <= 0 {
		lifetime = AnnounceTimeout
	}
	windows, err := newEpochs(PingIDWindow)
	if err != nil {
		return nil, err
	}
	s := &AnnounceStore{
		self:     self,
		max:      max,
		lifetime: lifetime,
		windows:  windows,
		clock:    dht.RealTimeProvider{},
	}
	if _, err := rand.Read(s.secret[:]); err != nil {
		return nil, fmt.Errorf("generate ping id secret: %w", err)
	}
	return s, nil
}

// SetTimeProvider replaces the store clock.
func (s *AnnounceStore) SetTimeProvider(tp dht.TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp == nil {
		tp = dht.RealTimeProvider{}
	}
	s.clock = tp
}

// PingID returns the ping id a client announcing pk from addr must echo.
func (s *AnnounceStore) PingID(pk [32]byte, addr *net.UDPAddr) [32]byte {
	return s.pingID(s.windows.At(s.now()), pk, addr)
}

func (s *AnnounceStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now()
}

func (s *AnnounceStore) pingID(window uint64, pk [32]byte, addr *net.UDPAddr) [32]byte {
	var ipport [limits.IPPortSize]byte
	_ = transport.PackIPPort(ipport[:], addr)

	h := sha256.New()
	h.Write(s.secret[:])
	_ = binary.Write(h, binary.BigEndian, window)
	h.Write(pk[:])
	h.Write(ipport[:])

	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// ValidPingID reports whether id was issued for pk and addr in the current
// or the previous window.
func (s *AnnounceStore) ValidPingID(id [32]byte, pk [32]byte, addr *net.UDPAddr) bool {
	for _, w := range s.windows.Recent(s.now()) {
		want := s.pingID(w, pk, addr)
		if subtle.ConstantTimeCompare(want[:], id[:]) == 1 {
			return true
		}
	}
	return false
}

// Add stores or refreshes an announcement. When the store is full the
// entry farthest from the node is replaced if the new one is closer. It
// reports whether the entry is stored.
func (s *AnnounceStore) Add(entry AnnounceEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.sweep(now)

	e := entry.clone()
	e.StoredAt = now

	for i, existing := range s.entries {
		if existing.PublicKey == e.PublicKey {
			s.entries[i] = &e
			return true
		}
	}

	if len(s.entries) >= s.max {
		farthest := s.entries[len(s.entries)-1]
		if !s.closer(e.PublicKey, farthest.PublicKey) {
			return false
		}
		s.entries = s.entries[:len(s.entries)-1]
	}

	i := sort.Search(len(s.entries), func(i int) bool {
		return s.closer(e.PublicKey, s.entries[i].PublicKey)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = &e
	return true
}

func (s *AnnounceStore) closer(a, b dht.NodeID) bool {
	da, db := s.self.Distance(a), s.self.Distance(b)
	return bytes.Compare(da[:], db[:]) < 0
}

// Lookup returns the live announcement for pk.
func (s *AnnounceStore) Lookup(pk dht.NodeID) (AnnounceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, e := range s.entries {
		if e.PublicKey == pk {
			if now.Sub(e.StoredAt) > s.lifetime {
				return AnnounceEntry{}, false
			}
			return e.clone(), true
		}
	}
	return AnnounceEntry{}, false
}

// Sweep removes expired announcements and returns how many were removed.
func (s *AnnounceStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(now)
}

func (s *AnnounceStore) sweep(now time.Time) int {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if now.Sub(e.StoredAt) <= s.lifetime {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	return removed
}

// Len returns the number of stored announcements.
func (s *AnnounceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Announcer answers announce and data requests that reach this node as the
// destination of an onion path.
//
//export ToxOnionAnnouncer
type Announcer struct {
	session   *crypto.Session
	store     *AnnounceStore
	table     *dht.RoutingTable
	transport transport.Transport
}

// NewAnnouncer creates an announce request handler. table supplies the
// closest nodes returned with every response.
func NewAnnouncer(session *crypto.Session, store *AnnounceStore, table *dht.RoutingTable, tr transport.Transport) *Announcer {
	return &Announcer{
		session:   session,
		store:     store,
		table:     table,
		transport: tr,
	}
}

// Store returns the announce store.
func (a *Announcer) Store() *AnnounceStore {
	return a.store
}

// Register installs the announce handlers in d.
func (a *Announcer) Register(d *transport.Dispatcher) {
	d.RegisterHandler(transport.PacketAnnounceRequest, 1+announceRequestSize, a.HandleAnnounceRequest)
	d.RegisterHandler(transport.PacketOnionDataRequest, 1+dataRequestMinSize+1, a.HandleDataRequest)
}

// HandleAnnounceRequest answers an announce request:
//
//	[nonce][sender pk][box(ping id, searched pk, data pk, sendback)][return 3]
//
// The response [0x84][sendback][nonce][box(is_stored, ping id or data pk,
// nodes)] is sent back through the return block.
func (a *Announcer) HandleAnnounceRequest(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	data := packet.Data
	if len(data)+1 > limits.OnionMaxPacketSize || len(data) < announceRequestSize {
		return fmt.Errorf("%w: announce request of %d bytes", transport.ErrMalformedPacket, len(data)+1)
	}

	var nonce crypto.Nonce
	var sender dht.NodeID
	copy(nonce[:], data[:limits.NonceSize])
	copy(sender[:], data[limits.NonceSize:limits.NonceSize+limits.PublicKeySize])
	returnBlock := data[len(data)-limits.OnionReturn3Size:]
	sealed := data[limits.NonceSize+limits.PublicKeySize : len(data)-limits.OnionReturn3Size]

	plain, err := a.session.Open(sender, nonce, sealed)
	if err != nil {
		return fmt.Errorf("announce request from %s: %w", sender.Short(), err)
	}
	if len(plain) < announcePlainSize {
		return fmt.Errorf("%w: announce plaintext of %d bytes", transport.ErrMalformedPacket, len(plain))
	}

	var pingID, dataPK [32]byte
	var searched dht.NodeID
	copy(pingID[:], plain[:pingIDSize])
	copy(searched[:], plain[pingIDSize:pingIDSize+limits.PublicKeySize])
	copy(dataPK[:], plain[pingIDSize+limits.PublicKeySize:pingIDSize+2*limits.PublicKeySize])
	sendback := plain[pingIDSize+2*limits.PublicKeySize : announcePlainSize]

	valid := a.store.ValidPingID(pingID, sender, src)
	var entry AnnounceEntry
	var found bool
	if valid {
		a.store.Add(AnnounceEntry{
			PublicKey:     sender,
			DataPublicKey: dataPK,
			Addr:          src,
			Return:        returnBlock,
		})
		entry, found = a.store.Lookup(sender)
	} else {
		entry, found = a.store.Lookup(searched)
	}

	payload := make([]byte, 1+32, 1+32+limits.MaxSentNodes*transport.PackedNodeSizeIPv6)
	fresh := a.store.PingID(sender, src)
	switch {
	case !found:
		payload[0] = AnnounceNotFound
		copy(payload[1:], fresh[:])
	case entry.PublicKey == sender && valid:
		payload[0] = AnnounceStored
		copy(payload[1:], fresh[:])
	case entry.PublicKey == sender:
		payload[0] = AnnounceNotFound
		copy(payload[1:], fresh[:])
	default:
		payload[0] = AnnounceFound
		copy(payload[1:], entry.DataPublicKey[:])
	}
	payload = a.appendClosest(payload, searched, src)

	respNonce, ct, err := a.session.Seal(sender, payload)
	if err != nil {
		return err
	}
	response := make([]byte, 0, 1+sendbackSize+limits.NonceSize+len(ct))
	response = append(response, byte(transport.PacketAnnounceResponse))
	response = append(response, sendback...)
	response = append(response, respNonce[:]...)
	response = append(response, ct...)

	if err := a.sendBack(src, returnBlock, response); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "HandleAnnounceRequest",
		"sender":    sender.Short(),
		"searched":  searched.Short(),
		"is_stored": payload[0],
		"entries":   a.store.Len(),
	}).Debug("Answered announce request")
	return nil
}

// appendClosest appends the packed nodes closest to target that are useful
// to a requester at src.
func (a *Announcer) appendClosest(dst []byte, target dht.NodeID, src *net.UDPAddr) []byte {
	if a.table == nil {
		return dst
	}
	lan := netutil.IsLAN(src.IP)
	for _, peer := range a.table.ClosestTo(target, limits.MaxSentNodes) {
		if !lan && netutil.IsLAN(peer.Addr.IP) {
			continue
		}
		packed, err := transport.AppendPackedNode(dst, &transport.PackedNode{PublicKey: peer.ID, Addr: peer.Addr})
		if err != nil {
			continue
		}
		dst = packed
	}
	return dst
}

// HandleDataRequest forwards [dest pk][nonce][temp pk][data][return 3] to
// the announced client as [0x86][nonce][temp pk][data].
func (a *Announcer) HandleDataRequest(packet *transport.Packet, addr net.Addr) error {
	data := packet.Data
	if len(data)+1 > limits.OnionMaxPacketSize || len(data) <= dataRequestMinSize {
		return fmt.Errorf("%w: onion data request of %d bytes", transport.ErrMalformedPacket, len(data)+1)
	}

	var dest dht.NodeID
	copy(dest[:], data[:limits.PublicKeySize])
	entry, ok := a.store.Lookup(dest)
	if !ok {
		return fmt.Errorf("data request for %s: %w", dest.Short(), ErrNotAnnounced)
	}

	inner := data[limits.PublicKeySize : len(data)-limits.OnionReturn3Size]
	response := make([]byte, 0, 1+len(inner))
	response = append(response, byte(transport.PacketOnionDataResponse))
	response = append(response, inner...)

	if err := a.sendBack(entry.Addr, entry.Return, response); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleDataRequest",
		"dest":     dest.Short(),
		"size":     len(response),
	}).Debug("Forwarded onion data")
	return nil
}

// sendBack sends payload along a return block as an OnionResponse3.
func (a *Announcer) sendBack(to *net.UDPAddr, returnBlock, payload []byte) error {
	body := make([]byte, 0, len(returnBlock)+len(payload))
	body = append(body, returnBlock...)
	body = append(body, payload...)
	if len(body)+1 > limits.OnionMaxPacketSize {
		return fmt.Errorf("%w: onion response of %d bytes", transport.ErrMalformedPacket, len(body)+1)
	}
	return a.transport.Send(&transport.Packet{PacketType: transport.PacketOnionResponse3, Data: body}, to)
}
