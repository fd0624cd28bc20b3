package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxnode/limits"
)

// PacketType identifies the type of a Tox packet. Values are the wire tags
// used by toxcore.
type PacketType byte

const (
	// DHT packet types
	PacketPingRequest   PacketType = 0x00
	PacketPingResponse  PacketType = 0x01
	PacketNodesRequest  PacketType = 0x02
	PacketNodesResponse PacketType = 0x04

	// PacketDHTRequest carries data routed through a DHT node to the owner
	// of a public key (NAT ping, hardening).
	PacketDHTRequest   PacketType = 0x20
	PacketLANDiscovery PacketType = 0x21

	// Onion routing packet types
	PacketOnionRequest0     PacketType = 0x80
	PacketOnionRequest1     PacketType = 0x81
	PacketOnionRequest2     PacketType = 0x82
	PacketAnnounceRequest   PacketType = 0x83
	PacketAnnounceResponse  PacketType = 0x84
	PacketOnionDataRequest  PacketType = 0x85
	PacketOnionDataResponse PacketType = 0x86
	PacketOnionResponse3    PacketType = 0x8c
	PacketOnionResponse2    PacketType = 0x8d
	PacketOnionResponse1    PacketType = 0x8e

	PacketBootstrapInfo PacketType = 0xf0
)

var packetTypeNames = map[PacketType]string{
	PacketPingRequest:       "PingRequest",
	PacketPingResponse:      "PingResponse",
	PacketNodesRequest:      "NodesRequest",
	PacketNodesResponse:     "NodesResponse",
	PacketDHTRequest:        "DHTRequest",
	PacketLANDiscovery:      "LANDiscovery",
	PacketOnionRequest0:     "OnionRequest0",
	PacketOnionRequest1:     "OnionRequest1",
	PacketOnionRequest2:     "OnionRequest2",
	PacketAnnounceRequest:   "AnnounceRequest",
	PacketAnnounceResponse:  "AnnounceResponse",
	PacketOnionDataRequest:  "OnionDataRequest",
	PacketOnionDataResponse: "OnionDataResponse",
	PacketOnionResponse3:    "OnionResponse3",
	PacketOnionResponse2:    "OnionResponse2",
	PacketOnionResponse1:    "OnionResponse1",
	PacketBootstrapInfo:     "BootstrapInfo",
}

// String returns the packet type name, or its hex value if unknown.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// Known reports whether t is a packet type this node understands.
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// Packet represents a Tox protocol packet.
//
//export ToxPacket
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	if len(result) > limits.MaxUDPPacketSize {
		return nil, fmt.Errorf("%s: %w", p.PacketType, limits.ErrPacketTooLarge)
	}
	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
//
//export ToxParsePacket
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedPacket)
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}

// DHTPacket is the common body of encrypted DHT packets: the sender's DHT
// public key, a nonce and a box sealed for the receiver.
type DHTPacket struct {
	SenderPK   [32]byte
	Nonce      [24]byte
	Ciphertext []byte
}

// dhtPacketHeader is sender key plus nonce.
const dhtPacketHeader = limits.PublicKeySize + limits.NonceSize

// Serialize converts a DHTPacket to a byte slice.
func (dp *DHTPacket) Serialize() []byte {
	// Format: [public key (32 bytes)][nonce (24 bytes)][ciphertext (variable)]
	result := make([]byte, dhtPacketHeader+len(dp.Ciphertext))
	copy(result[0:32], dp.SenderPK[:])
	copy(result[32:56], dp.Nonce[:])
	copy(result[56:], dp.Ciphertext)
	return result
}

// ParseDHTPacket splits the body of a DHT packet (without the type byte).
// The ciphertext must at least hold the box authenticator.
func ParseDHTPacket(data []byte) (*DHTPacket, error) {
	if len(data) < dhtPacketHeader+limits.EncryptionOverhead {
		return nil, fmt.Errorf("%w: DHT packet of %d bytes", ErrMalformedPacket, len(data))
	}

	packet := &DHTPacket{
		Ciphertext: make([]byte, len(data)-dhtPacketHeader),
	}
	copy(packet.SenderPK[:], data[0:32])
	copy(packet.Nonce[:], data[32:56])
	copy(packet.Ciphertext, data[56:])
	return packet, nil
}
