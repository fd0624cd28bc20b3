package transport

import (
	"net"
	"testing"
)

// BenchmarkDispatch measures routing a datagram through the rate limiter to
// its handler.
func BenchmarkDispatch(b *testing.B) {
	d := NewDispatcher(NewRateLimiter(RateLimitConfig{PacketsPerSecond: 1e9, Burst: 1 << 30}), nil)
	d.RegisterHandler(PacketPingRequest, 1, func(*Packet, net.Addr) error { return nil })
	data := make([]byte, 82)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.Dispatch(data, testSource)
	}
}

// BenchmarkPackedNodes measures packing and unpacking a full nodes response.
func BenchmarkPackedNodes(b *testing.B) {
	nodes := []PackedNode{
		{Addr: &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 33445}},
		{Addr: &net.UDPAddr{IP: net.IPv4(1, 1, 2, 1), Port: 33445}},
		{Addr: &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 33445}},
		{Addr: &net.UDPAddr{IP: net.IPv4(1, 1, 3, 1), Port: 33445}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf []byte
		for j := range nodes {
			var err error
			if buf, err = AppendPackedNode(buf, &nodes[j]); err != nil {
				b.Fatal(err)
			}
		}
		if _, _, err := UnpackNodes(buf, len(nodes)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemorySend measures a send between two in-memory endpoints.
func BenchmarkMemorySend(b *testing.B) {
	network := NewMemoryNetwork()
	from, err := network.Listen(&net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 33445})
	if err != nil {
		b.Fatal(err)
	}
	to, err := network.Listen(&net.UDPAddr{IP: net.IPv4(1, 1, 2, 1), Port: 33445})
	if err != nil {
		b.Fatal(err)
	}
	packet := &Packet{PacketType: PacketPingRequest, Data: make([]byte, 81)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := from.Send(packet, to.LocalAddr()); err != nil {
			b.Fatal(err)
		}
		<-to.Inbound()
		if i%1024 == 0 {
			from.Reset()
		}
	}
}
