package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MemoryNetwork connects MemoryTransports by address without sockets. It is
// used to run several nodes inside one process.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport)}
}

// Listen attaches a new endpoint at addr.
func (n *MemoryNetwork) Listen(addr *net.UDPAddr) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr = &net.UDPAddr{IP: NormalizeIP(addr.IP), Port: addr.Port}
	key := addr.String()
	if _, exists := n.endpoints[key]; exists {
		return nil, &TransportError{Op: "listen", Addr: key, Err: fmt.Errorf("address in use")}
	}
	t := &MemoryTransport{
		network: n,
		addr:    addr,
		inbound: make(chan Datagram, 256),
	}
	n.endpoints[key] = t
	return t, nil
}

func (n *MemoryNetwork) lookup(addr *net.UDPAddr) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[(&net.UDPAddr{IP: NormalizeIP(addr.IP), Port: addr.Port}).String()]
}

func (n *MemoryNetwork) remove(addr *net.UDPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr.String())
}

// SentPacket records a packet handed to a MemoryTransport.
type SentPacket struct {
	Packet *Packet
	Addr   net.Addr
}

// MemoryTransport is an Endpoint on a MemoryNetwork. Every sent packet is
// recorded; packets to unknown addresses are recorded and discarded.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    *net.UDPAddr
	inbound chan Datagram
	dropped atomic.Uint64

	mu     sync.Mutex
	sent   []SentPacket
	closed bool
}

// Send delivers packet to the endpoint listening on addr, if any.
func (t *MemoryTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	dst, err := ToUDPAddr(addr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.sent = append(t.sent, SentPacket{
		Packet: &Packet{PacketType: packet.PacketType, Data: append([]byte(nil), packet.Data...)},
		Addr:   dst,
	})
	t.mu.Unlock()

	if peer := t.network.lookup(dst); peer != nil {
		peer.deliver(Datagram{Data: data, Addr: t.addr})
	}
	return nil
}

func (t *MemoryTransport) deliver(d Datagram) {
	select {
	case t.inbound <- d:
	default:
		t.dropped.Add(1)
	}
}

// DroppedInbound reports how many datagrams were discarded on a full queue.
func (t *MemoryTransport) DroppedInbound() uint64 {
	return t.dropped.Load()
}

// Inbound returns the channel of delivered datagrams.
func (t *MemoryTransport) Inbound() <-chan Datagram {
	return t.inbound
}

// Serve blocks until ctx is cancelled.
func (t *MemoryTransport) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close detaches the endpoint from its network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.network.remove(t.addr)
	}
	return nil
}

// LocalAddr returns the endpoint address.
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}

// Sent returns a copy of the packets sent so far.
func (t *MemoryTransport) Sent() []SentPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentPacket(nil), t.sent...)
}

// SentOfType returns the sent packets with the given type.
func (t *MemoryTransport) SentOfType(pt PacketType) []SentPacket {
	var out []SentPacket
	for _, s := range t.Sent() {
		if s.Packet.PacketType == pt {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets recorded packets.
func (t *MemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}
