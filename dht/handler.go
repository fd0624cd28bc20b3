package dht

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

func (s *Server) handlePingRequest(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	sender, plaintext, err := s.openDHTPacket(packet)
	if err != nil {
		return err
	}
	if len(plaintext) != pingPayloadSize || plaintext[0] != pingTypeRequest {
		return fmt.Errorf("%w: ping request payload", transport.ErrMalformedPacket)
	}

	payload := make([]byte, pingPayloadSize)
	payload[0] = pingTypeResponse
	copy(payload[1:], plaintext[1:])

	response, err := s.sealDHTPacket(transport.PacketPingResponse, sender, payload)
	if err != nil {
		return err
	}
	if err := s.transport.Send(response, src); err != nil {
		return fmt.Errorf("send ping response: %w", err)
	}

	s.notice(sender, src)
	return nil
}

func (s *Server) handlePingResponse(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	sender, plaintext, err := s.openDHTPacket(packet)
	if err != nil {
		return err
	}
	if len(plaintext) != pingPayloadSize || plaintext[0] != pingTypeResponse {
		return fmt.Errorf("%w: ping response payload", transport.ErrMalformedPacket)
	}

	pingID := binary.BigEndian.Uint64(plaintext[1:])
	req, ok := s.pending.Answer(pingID, KindPing, sender)
	if !ok {
		return fmt.Errorf("%w: unsolicited ping response from %s", transport.ErrDropped, sender.Short())
	}

	s.learn(sender, src, req)
	return nil
}

func (s *Server) handleNodesRequest(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	sender, plaintext, err := s.openDHTPacket(packet)
	if err != nil {
		return err
	}
	if len(plaintext) != nodesRequestPayloadSize {
		return fmt.Errorf("%w: nodes request payload of %d bytes", transport.ErrMalformedPacket, len(plaintext))
	}

	var target NodeID
	copy(target[:], plaintext[:limits.PublicKeySize])
	sendback := plaintext[limits.PublicKeySize:]

	payload, count := s.packClosest(target, sender, src)
	payload = append(payload, sendback...)

	response, err := s.sealDHTPacket(transport.PacketNodesResponse, sender, payload)
	if err != nil {
		return err
	}
	if err := s.transport.Send(response, src); err != nil {
		return fmt.Errorf("send nodes response: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleNodesRequest",
		"from":     sender.Short(),
		"target":   target.Short(),
		"count":    count,
	}).Debug("Answered nodes request")

	s.notice(sender, src)
	return nil
}

// packClosest builds [count][packed nodes] with the peers closest to target
// that are worth telling requester about.
func (s *Server) packClosest(target, requester NodeID, src *net.UDPAddr) ([]byte, int) {
	candidates := s.table.ClosestTo(target, limits.MaxSentNodes+1)
	payload := []byte{0}
	count := 0
	requesterOnLAN := netutil.IsLAN(src.IP)

	for _, peer := range candidates {
		if count == limits.MaxSentNodes {
			break
		}
		if peer.ID == requester {
			continue
		}
		// LAN addresses are useless to a requester outside the LAN.
		if !requesterOnLAN && netutil.IsLAN(peer.Addr.IP) {
			continue
		}
		packed, err := transport.AppendPackedNode(payload, &transport.PackedNode{
			PublicKey: peer.ID,
			Addr:      peer.Addr,
		})
		if err != nil {
			continue
		}
		payload = packed
		count++
	}
	payload[0] = byte(count)
	return payload, count
}

func (s *Server) handleNodesResponse(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	sender, plaintext, err := s.openDHTPacket(packet)
	if err != nil {
		return err
	}
	if len(plaintext) < 1+8 {
		return fmt.Errorf("%w: nodes response payload of %d bytes", transport.ErrMalformedPacket, len(plaintext))
	}

	count := int(plaintext[0])
	if count > limits.MaxSentNodes {
		return fmt.Errorf("%w: nodes response with %d nodes", transport.ErrMalformedPacket, count)
	}
	body := plaintext[1 : len(plaintext)-8]
	nodes, consumed, err := transport.UnpackNodes(body, count)
	if err != nil {
		return err
	}
	if consumed != len(body) {
		return fmt.Errorf("%w: %d trailing bytes in nodes response", transport.ErrMalformedPacket, len(body)-consumed)
	}

	pingID := binary.BigEndian.Uint64(plaintext[len(plaintext)-8:])
	req, ok := s.pending.Answer(pingID, KindNodesRequest, sender)
	if !ok {
		return fmt.Errorf("%w: unsolicited nodes response from %s", transport.ErrDropped, sender.Short())
	}
	s.learn(sender, src, req)

	pinged := 0
	for _, n := range nodes {
		id := NodeID(n.PublicKey)
		if n.TCP || id == s.self || id == sender {
			continue
		}
		if err := netutil.CheckRelayIP(src.IP, n.Addr.IP); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleNodesResponse",
				"from":     sender.Short(),
				"node":     n.Addr.String(),
				"reason":   err.Error(),
			}).Debug("Ignoring relayed node address")
			continue
		}
		if _, known := s.table.Get(id); known || s.pending.HasPending(KindPing, id) {
			continue
		}
		if err := s.SendPing(id, n.Addr); err == nil {
			pinged++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleNodesResponse",
		"from":     sender.Short(),
		"received": len(nodes),
		"pinged":   pinged,
	}).Debug("Processed nodes response")
	return nil
}

// handleDHTRequest forwards routed packets to their receiver, or answers NAT
// pings addressed to us.
func (s *Server) handleDHTRequest(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}

	var receiver, sender NodeID
	copy(receiver[:], packet.Data[:32])
	copy(sender[:], packet.Data[32:64])

	if receiver != s.self {
		peer, ok := s.table.Get(receiver)
		if !ok {
			return fmt.Errorf("%w: no route to %s", transport.ErrDropped, receiver.Short())
		}
		return s.transport.Send(packet, peer.Addr)
	}

	if sender == s.self {
		return fmt.Errorf("%w: routed packet from our own key", transport.ErrDropped)
	}
	var nonce [24]byte
	copy(nonce[:], packet.Data[64:routedHeaderSize])
	plaintext, err := s.session.Open(sender, nonce, packet.Data[routedHeaderSize:])
	if err != nil {
		return fmt.Errorf("DHT request from %s: %w", sender.Short(), err)
	}

	if len(plaintext) == 0 || plaintext[0] != natPingID {
		return fmt.Errorf("%w: unsupported DHT request", transport.ErrDropped)
	}
	if len(plaintext) != natPingPayloadSize {
		return fmt.Errorf("%w: NAT ping payload", transport.ErrMalformedPacket)
	}

	switch plaintext[1] {
	case pingTypeRequest:
		payload := make([]byte, natPingPayloadSize)
		payload[0] = natPingID
		payload[1] = pingTypeResponse
		copy(payload[2:], plaintext[2:])
		response, err := s.sealRouted(sender, payload)
		if err != nil {
			return err
		}
		return s.transport.Send(response, src)
	case pingTypeResponse:
		pingID := binary.BigEndian.Uint64(plaintext[2:])
		if _, ok := s.pending.Answer(pingID, KindNatPing, sender); !ok {
			return fmt.Errorf("%w: unsolicited NAT ping response", transport.ErrDropped)
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleDHTRequest",
			"peer":     sender.Short(),
		}).Debug("NAT ping answered")
		return nil
	default:
		return fmt.Errorf("%w: NAT ping type %d", transport.ErrMalformedPacket, plaintext[1])
	}
}

// handleLANDiscovery bootstraps from LAN peers announcing themselves.
func (s *Server) handleLANDiscovery(packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	if len(packet.Data) != limits.PublicKeySize {
		return fmt.Errorf("%w: LAN discovery of %d bytes", transport.ErrMalformedPacket, len(packet.Data))
	}
	if !netutil.IsLAN(src.IP) {
		return fmt.Errorf("%w: LAN discovery from non-LAN address %s", transport.ErrDropped, src.IP)
	}

	var peer NodeID
	copy(peer[:], packet.Data)
	if peer == s.self || s.pending.HasPending(KindNodesRequest, peer) {
		return nil
	}
	return s.SendNodesRequest(peer, src, s.self)
}

// handleBootstrapInfo answers with the node version and MOTD.
func (s *Server) handleBootstrapInfo(packet *transport.Packet, addr net.Addr) error {
	if len(packet.Data)+1 != limits.BootstrapInfoRequestSize {
		return fmt.Errorf("%w: bootstrap info request of %d bytes", transport.ErrMalformedPacket, len(packet.Data)+1)
	}

	motd := s.cfg.MOTD()
	if len(motd) > limits.MaxMOTDLength {
		motd = motd[:limits.MaxMOTDLength]
	}

	data := make([]byte, 4, 4+len(motd))
	binary.BigEndian.PutUint32(data, s.cfg.Version)
	data = append(data, motd...)

	return s.transport.Send(&transport.Packet{PacketType: transport.PacketBootstrapInfo, Data: data}, addr)
}
