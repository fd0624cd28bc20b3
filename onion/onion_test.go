package onion

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/dht"
	"github.com/opd-ai/toxnode/transport"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Unix(1700000000, 0)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func publicAddr(n byte) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(1, 1, n, 1).To4(), Port: 33445}
}

// relayNode is a node running the relay and the announcer.
type relayNode struct {
	pk         [32]byte
	addr       *net.UDPAddr
	session    *crypto.Session
	endpoint   *transport.MemoryTransport
	dispatcher *transport.Dispatcher
	table      *dht.RoutingTable
	relay      *Relay
	announcer  *Announcer
}

func (n *relayNode) hop() Hop {
	return Hop{PublicKey: n.pk, Addr: n.addr}
}

func newRelayNode(t *testing.T, network *transport.MemoryNetwork, addr *net.UDPAddr, clock *mockClock) *relayNode {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	session, err := crypto.NewSession(kp)
	require.NoError(t, err)
	ep, err := network.Listen(addr)
	require.NoError(t, err)

	pk := session.PublicKey()
	paths := NewPathCache(0, DefaultPathTimeout)
	paths.SetTimeProvider(clock)
	store, err := NewAnnounceStore(pk, 0, 0)
	require.NoError(t, err)
	store.SetTimeProvider(clock)
	table := dht.NewRoutingTable(pk, dht.BucketSize)

	n := &relayNode{
		pk:         pk,
		addr:       addr,
		session:    session,
		endpoint:   ep,
		dispatcher: transport.NewDispatcher(nil, nil),
		table:      table,
		relay:      NewRelay(session, ep, paths),
		announcer:  NewAnnouncer(session, store, table, ep),
	}
	n.relay.Register(n.dispatcher)
	n.announcer.Register(n.dispatcher)
	return n
}

// clientNode records the onion responses delivered to it.
type clientNode struct {
	kp         *crypto.KeyPair
	addr       *net.UDPAddr
	endpoint   *transport.MemoryTransport
	dispatcher *transport.Dispatcher

	mu       sync.Mutex
	received []*transport.Packet
}

func newClientNode(t *testing.T, network *transport.MemoryNetwork, addr *net.UDPAddr) *clientNode {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ep, err := network.Listen(addr)
	require.NoError(t, err)

	c := &clientNode{kp: kp, addr: addr, endpoint: ep, dispatcher: transport.NewDispatcher(nil, nil)}
	record := func(p *transport.Packet, _ net.Addr) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.received = append(c.received, &transport.Packet{PacketType: p.PacketType, Data: append([]byte(nil), p.Data...)})
		return nil
	}
	c.dispatcher.RegisterHandler(transport.PacketAnnounceResponse, 1, record)
	c.dispatcher.RegisterHandler(transport.PacketOnionDataResponse, 1, record)
	return c
}

func (c *clientNode) take() []*transport.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.received
	c.received = nil
	return out
}

type pumpable interface {
	inbound() <-chan transport.Datagram
	dispatch(d transport.Datagram)
}

func (n *relayNode) inbound() <-chan transport.Datagram { return n.endpoint.Inbound() }
func (n *relayNode) dispatch(d transport.Datagram)      { _ = n.dispatcher.Dispatch(d.Data, d.Addr) }

func (c *clientNode) inbound() <-chan transport.Datagram { return c.endpoint.Inbound() }
func (c *clientNode) dispatch(d transport.Datagram)      { _ = c.dispatcher.Dispatch(d.Data, d.Addr) }

// pump delivers queued datagrams until every node is idle.
func pump(t *testing.T, nodes ...pumpable) {
	t.Helper()
	for round := 0; round < 100; round++ {
		progressed := false
		for _, n := range nodes {
			for drained := false; !drained; {
				select {
				case d := <-n.inbound():
					n.dispatch(d)
					progressed = true
				default:
					drained = true
				}
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("network did not go idle")
}
