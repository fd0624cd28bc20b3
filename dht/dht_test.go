package dht

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/transport"
)

// mockClock is a TimeProvider that only moves when told to.
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

// MockTransport implements transport.Transport interface for testing
type MockTransport struct {
	sendFunc      func(packet *transport.Packet, addr net.Addr) error
	localAddr     net.Addr
	sentPackets   []*transport.Packet
	sentAddresses []net.Addr
	mu            sync.Mutex
}

func newMockTransport(localAddr net.Addr) *MockTransport {
	return &MockTransport{
		localAddr: localAddr,
		sendFunc:  func(packet *transport.Packet, addr net.Addr) error { return nil },
	}
}

func (m *MockTransport) Send(packet *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentPackets = append(m.sentPackets, packet)
	m.sentAddresses = append(m.sentAddresses, addr)
	return m.sendFunc(packet, addr)
}

func (m *MockTransport) Close() error {
	return nil
}

func (m *MockTransport) LocalAddr() net.Addr {
	return m.localAddr
}

func (m *MockTransport) GetSentPackets() ([]*transport.Packet, []net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	packets := make([]*transport.Packet, len(m.sentPackets))
	addrs := make([]net.Addr, len(m.sentAddresses))
	copy(packets, m.sentPackets)
	copy(addrs, m.sentAddresses)
	return packets, addrs
}

// recordingRequester records the requests maintenance and bootstrap issue.
type recordingRequester struct {
	pings         []NodeID
	nodesRequests []NodeID
	targets       []NodeID
	err           error
}

func (r *recordingRequester) SendPing(peer NodeID, addr *net.UDPAddr) error {
	r.pings = append(r.pings, peer)
	return r.err
}

func (r *recordingRequester) SendNodesRequest(peer NodeID, addr *net.UDPAddr, target NodeID) error {
	r.nodesRequests = append(r.nodesRequests, peer)
	r.targets = append(r.targets, target)
	return r.err
}

// bucketID returns an ID that lands in bucket 0 of a table whose own ID is
// all zeros, made unique by n.
func bucketID(n byte) NodeID {
	var id NodeID
	id[0] = 0x80
	id[31] = n
	return id
}

// publicAddr returns a public address in its own /24.
func publicAddr(n byte) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(1, 1, n, 1).To4(), Port: 33445}
}

func lanAddr(n byte) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, n).To4(), Port: 33445}
}

// testNode is a DHT server wired to an in-memory network.
type testNode struct {
	id         NodeID
	addr       *net.UDPAddr
	server     *Server
	table      *RoutingTable
	pending    *PendingRequests
	dispatcher *transport.Dispatcher
	endpoint   *transport.MemoryTransport
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, addr *net.UDPAddr, clock *mockClock, cfg ServerConfig) *testNode {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	session, err := crypto.NewSession(kp)
	require.NoError(t, err)

	ep, err := network.Listen(addr)
	require.NoError(t, err)

	self := NodeID(session.PublicKey())
	table := NewRoutingTable(self, BucketSize)
	table.SetTimeProvider(clock)
	pending := NewPendingRequests(5*time.Second, 1, 1024)
	pending.SetTimeProvider(clock)

	server := NewServer(session, table, pending, ep, cfg)
	server.SetTimeProvider(clock)
	dispatcher := transport.NewDispatcher(nil, nil)
	server.Register(dispatcher)

	return &testNode{
		id:         self,
		addr:       addr,
		server:     server,
		table:      table,
		pending:    pending,
		dispatcher: dispatcher,
		endpoint:   ep,
	}
}

// pump delivers queued datagrams until every node is idle.
func pump(t *testing.T, nodes ...*testNode) {
	t.Helper()
	for round := 0; round < 100; round++ {
		progressed := false
		for _, n := range nodes {
			for drained := false; !drained; {
				select {
				case d := <-n.endpoint.Inbound():
					_ = n.dispatcher.Dispatch(d.Data, d.Addr)
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

// knows inserts b into a's table as a good peer.
func (a *testNode) knows(t *testing.T, b *testNode) {
	t.Helper()
	info := NewPeerInfo(b.id, b.addr, time.Now())
	info.Status = StatusGood
	result, _, err := a.table.Insert(info)
	require.NoError(t, err)
	require.Equal(t, Added, result)
}
