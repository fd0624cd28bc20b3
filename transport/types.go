package transport

import (
	"context"
	"net"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface handlers use to send packets.
type Transport interface {
	// Send queues a packet for the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr
}

// Datagram is a raw inbound datagram and its source.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// Endpoint is a Transport that also produces inbound datagrams. Serve runs
// the endpoint's I/O until ctx is cancelled. DroppedInbound counts datagrams
// discarded because the inbound queue was full.
type Endpoint interface {
	Transport
	Inbound() <-chan Datagram
	Serve(ctx context.Context) error
	DroppedInbound() uint64
}
