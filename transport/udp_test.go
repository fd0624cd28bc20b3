package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportLoopback(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0", DefaultUDPOptions())
	require.NoError(t, err)
	b, err := NewUDPTransport("127.0.0.1:0", DefaultUDPOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- a.Serve(ctx) }()
	go func() { done <- b.Serve(ctx) }()

	packet := &Packet{PacketType: PacketPingRequest, Data: []byte{1, 2, 3}}
	require.NoError(t, a.Send(packet, b.LocalAddr()))

	select {
	case d := <-b.Inbound():
		assert.Equal(t, []byte{0x00, 1, 2, 3}, d.Data)
		assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, d.Addr.Port)
		assert.Len(t, d.Addr.IP, net.IPv4len)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}

	cancel()
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-done)
	}
	assert.NoError(t, a.Close())
	assert.NoError(t, b.Close())
	assert.NoError(t, a.Close(), "second Close is a no-op")
	assert.ErrorIs(t, a.Send(packet, b.LocalAddr()), ErrTransportClosed)
}

func TestUDPTransportCloseFlushesQueue(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDPTransport("127.0.0.1:0", DefaultUDPOptions())
	require.NoError(t, err)

	// Serve is never started, so only Close can write these.
	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(&Packet{PacketType: PacketPingResponse, Data: []byte{byte(i)}}, receiver.LocalAddr()))
	}
	require.NoError(t, sender.Close())

	buf := make([]byte, 64)
	_ = receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		n, _, err := receiver.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, byte(i)}, buf[:n])
	}
}

func TestUDPTransportIPv4OnlyDropsIPv6(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", DefaultUDPOptions())
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Send(&Packet{PacketType: PacketPingRequest, Data: []byte{}}, &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1})
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}

func TestUDPTransportQueueFull(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", UDPOptions{OutboundQueueSize: 1})
	require.NoError(t, err)
	defer tr.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	require.NoError(t, tr.Send(&Packet{PacketType: PacketPingRequest, Data: []byte{}}, dst))
	assert.ErrorIs(t, tr.Send(&Packet{PacketType: PacketPingRequest, Data: []byte{}}, dst), ErrQueueFull)
}

func TestNewUDPTransportBindFailure(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", DefaultUDPOptions())
	require.NoError(t, err)
	defer tr.Close()

	_, err = NewUDPTransport(tr.LocalAddr().String(), DefaultUDPOptions())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "listen", te.Op)
}

func TestMemoryNetworkDelivery(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1})
	require.NoError(t, err)
	b, err := network.Listen(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1})
	require.NoError(t, err)

	require.NoError(t, a.Send(&Packet{PacketType: PacketNodesRequest, Data: []byte{7}}, b.LocalAddr()))
	d := <-b.Inbound()
	assert.Equal(t, []byte{0x02, 7}, d.Data)
	assert.Equal(t, a.LocalAddr().String(), d.Addr.String())
	assert.Len(t, a.SentOfType(PacketNodesRequest), 1)

	require.NoError(t, b.Close())
	require.NoError(t, a.Send(&Packet{PacketType: PacketNodesRequest, Data: []byte{8}}, b.LocalAddr()))
	assert.Len(t, a.Sent(), 2, "packets to closed endpoints are still recorded")
}

func TestMemoryTransportCountsDrops(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1})
	require.NoError(t, err)
	b, err := network.Listen(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1})
	require.NoError(t, err)

	queue := cap(b.Inbound())
	for i := 0; i < queue+3; i++ {
		require.NoError(t, a.Send(&Packet{PacketType: PacketPingRequest, Data: []byte{byte(i)}}, b.LocalAddr()))
	}
	assert.EqualValues(t, 3, b.DroppedInbound())
	assert.Zero(t, a.DroppedInbound())
}
