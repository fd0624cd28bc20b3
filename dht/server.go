package dht

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

// Plaintext sizes of the DHT request payloads.
const (
	pingPayloadSize         = 1 + 8
	nodesRequestPayloadSize = limits.PublicKeySize + 8
	natPingPayloadSize      = 1 + 1 + 8

	// dhtOverhead is everything in a DHT packet but the plaintext, type byte included.
	dhtOverhead = limits.DHTHeaderSize + limits.EncryptionOverhead

	// routedHeaderSize is receiver key, sender key and nonce of a DHTRequest.
	routedHeaderSize = 2*limits.PublicKeySize + limits.NonceSize
)

const (
	pingTypeRequest  byte = 0x00
	pingTypeResponse byte = 0x01

	natPingID byte = 0xfe
)

// ServerConfig holds the optional services of a DHT server.
type ServerConfig struct {
	// LANDiscovery enables answering LAN discovery packets.
	LANDiscovery bool
	// Version is reported in bootstrap info responses.
	Version uint32
	// MOTD returns the message of the day for bootstrap info responses.
	// Bootstrap info is disabled when nil.
	MOTD func() []byte
}

// Server answers DHT packets and issues the node's own DHT requests. It is
// driven by the node's event loop.
//
//export ToxDHTServer
type Server struct {
	session   *crypto.Session
	self      NodeID
	table     *RoutingTable
	pending   *PendingRequests
	transport transport.Transport
	clock     TimeProvider
	cfg       ServerConfig
}

// NewServer creates a DHT server for the session's key.
func NewServer(session *crypto.Session, table *RoutingTable, pending *PendingRequests, tr transport.Transport, cfg ServerConfig) *Server {
	return &Server{
		session:   session,
		self:      NodeID(session.PublicKey()),
		table:     table,
		pending:   pending,
		transport: tr,
		clock:     RealTimeProvider{},
		cfg:       cfg,
	}
}

// SetTimeProvider replaces the clock used for round-trip times.
func (s *Server) SetTimeProvider(tp TimeProvider) {
	s.clock = getTimeProvider(tp)
}

// Self returns the server's DHT public key.
func (s *Server) Self() NodeID {
	return s.self
}

// Table returns the routing table the server maintains.
func (s *Server) Table() *RoutingTable {
	return s.table
}

// Register installs the server's handlers in d.
func (s *Server) Register(d *transport.Dispatcher) {
	d.RegisterHandler(transport.PacketPingRequest, dhtOverhead+pingPayloadSize, s.handlePingRequest)
	d.RegisterHandler(transport.PacketPingResponse, dhtOverhead+pingPayloadSize, s.handlePingResponse)
	d.RegisterHandler(transport.PacketNodesRequest, dhtOverhead+nodesRequestPayloadSize, s.handleNodesRequest)
	d.RegisterHandler(transport.PacketNodesResponse, dhtOverhead+1+8, s.handleNodesResponse)
	d.RegisterHandler(transport.PacketDHTRequest, 1+routedHeaderSize+limits.EncryptionOverhead, s.handleDHTRequest)
	if s.cfg.LANDiscovery {
		d.RegisterHandler(transport.PacketLANDiscovery, 1+limits.PublicKeySize, s.handleLANDiscovery)
	}
	if s.cfg.MOTD != nil {
		d.RegisterHandler(transport.PacketBootstrapInfo, limits.BootstrapInfoRequestSize, s.handleBootstrapInfo)
	}
}

// sealDHTPacket builds [type][self pk][nonce][box(payload)] for recipient.
func (s *Server) sealDHTPacket(pt transport.PacketType, recipient NodeID, payload []byte) (*transport.Packet, error) {
	nonce, ct, err := s.session.Seal(recipient, payload)
	if err != nil {
		return nil, err
	}
	body := &transport.DHTPacket{SenderPK: s.self, Nonce: nonce, Ciphertext: ct}
	return &transport.Packet{PacketType: pt, Data: body.Serialize()}, nil
}

// openDHTPacket parses and decrypts the body of a DHT packet.
func (s *Server) openDHTPacket(packet *transport.Packet) (NodeID, []byte, error) {
	body, err := transport.ParseDHTPacket(packet.Data)
	if err != nil {
		return NodeID{}, nil, err
	}
	sender := NodeID(body.SenderPK)
	if sender == s.self {
		return NodeID{}, nil, fmt.Errorf("%w: %s carries our own key", transport.ErrDropped, packet.PacketType)
	}
	plaintext, err := s.session.Open(body.SenderPK, body.Nonce, body.Ciphertext)
	if err != nil {
		return NodeID{}, nil, fmt.Errorf("%s from %s: %w", packet.PacketType, sender.Short(), err)
	}
	return sender, plaintext, nil
}

// sendRequest registers a pending request and sends the sealed packet built
// from the ping id.
func (s *Server) sendRequest(kind RequestKind, peer NodeID, addr *net.UDPAddr, target NodeID, build func(pingID uint64) (*transport.Packet, error)) (uint64, error) {
	var packet *transport.Packet
	id, err := s.pending.Add(kind, peer, addr, target, func() error {
		return s.transport.Send(packet, addr)
	})
	if err != nil {
		return 0, err
	}

	packet, err = build(id)
	if err != nil {
		s.pending.Cancel(id)
		return 0, err
	}
	if err := s.transport.Send(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRequest",
			"kind":     kind.String(),
			"to":       addr.String(),
			"error":    err.Error(),
		}).Debug("Request send failed, will retry")
	}
	return id, nil
}

// SendPing pings peer at addr.
func (s *Server) SendPing(peer NodeID, addr *net.UDPAddr) error {
	_, err := s.sendPing(KindPing, peer, addr)
	return err
}

func (s *Server) sendPing(kind RequestKind, peer NodeID, addr *net.UDPAddr) (uint64, error) {
	id, err := s.sendRequest(kind, peer, addr, NodeID{}, func(pingID uint64) (*transport.Packet, error) {
		payload := make([]byte, pingPayloadSize)
		payload[0] = pingTypeRequest
		binary.BigEndian.PutUint64(payload[1:], pingID)
		return s.sealDHTPacket(transport.PacketPingRequest, peer, payload)
	})
	if err == nil {
		s.table.MarkPinged(peer)
	}
	return id, err
}

// SendNodesRequest asks peer at addr for the nodes closest to target.
func (s *Server) SendNodesRequest(peer NodeID, addr *net.UDPAddr, target NodeID) error {
	_, err := s.sendRequest(KindNodesRequest, peer, addr, target, func(pingID uint64) (*transport.Packet, error) {
		payload := make([]byte, nodesRequestPayloadSize)
		copy(payload, target[:])
		binary.BigEndian.PutUint64(payload[limits.PublicKeySize:], pingID)
		return s.sealDHTPacket(transport.PacketNodesRequest, peer, payload)
	})
	return err
}

// SendNATPing routes a NAT ping request for target through the DHT node at via.
func (s *Server) SendNATPing(via *net.UDPAddr, target NodeID) (uint64, error) {
	return s.sendRequest(KindNatPing, target, via, target, func(pingID uint64) (*transport.Packet, error) {
		payload := make([]byte, natPingPayloadSize)
		payload[0] = natPingID
		payload[1] = pingTypeRequest
		binary.BigEndian.PutUint64(payload[2:], pingID)
		return s.sealRouted(target, payload)
	})
}

// sealRouted builds [0x20][receiver pk][self pk][nonce][box(payload)].
func (s *Server) sealRouted(receiver NodeID, payload []byte) (*transport.Packet, error) {
	nonce, ct, err := s.session.Seal(receiver, payload)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, routedHeaderSize+len(ct))
	data = append(data, receiver[:]...)
	data = append(data, s.self[:]...)
	data = append(data, nonce[:]...)
	data = append(data, ct...)
	return &transport.Packet{PacketType: transport.PacketDHTRequest, Data: data}, nil
}

// learn records a verified response from peer, inserting it if unknown.
func (s *Server) learn(peer NodeID, addr *net.UDPAddr, req *PendingRequest) {
	rtt := s.clock.Now().Sub(req.Sent)
	if req.Kind == KindEvictionCheck {
		s.table.ResolveEviction(peer, true)
	}
	if s.table.MarkSeen(peer, addr, rtt) {
		return
	}

	info := NewPeerInfo(peer, addr, s.clock.Now())
	info.Status = StatusGood
	info.RTT = rtt
	result, other, err := s.table.Insert(info)

	fields := logrus.Fields{
		"function": "learn",
		"peer":     peer.Short(),
		"addr":     addr.String(),
		"result":   result.String(),
	}
	switch result {
	case PendingEviction:
		fields["challenged"] = other.ID.Short()
		if _, err := s.sendPing(KindEvictionCheck, other.ID, other.Addr); err != nil {
			// Without a challenge ping the candidate can never be settled.
			s.table.ResolveEviction(other.ID, true)
			fields["error"] = err.Error()
		}
	case Rejected:
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Peer learned")
}

// notice pings a peer that contacted us if it is not known yet.
func (s *Server) notice(peer NodeID, addr *net.UDPAddr) {
	if _, known := s.table.Get(peer); known || s.pending.HasPending(KindPing, peer) {
		return
	}
	if err := s.SendPing(peer, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "notice",
			"peer":     peer.Short(),
			"error":    err.Error(),
		}).Debug("Could not ping new peer")
	}
}
