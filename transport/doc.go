// Package transport moves Tox datagrams between the network and the node's
// packet handlers.
//
// # Wire format
//
// Every datagram starts with a one-byte PacketType tag. DHT packets continue
// with the sender's public key, a nonce and a NaCl box:
//
//	[type][sender pk (32)][nonce (24)][box(payload)]
//
// DHTPacket splits that body. Node addresses are carried either as the fixed
// 19-byte IP_Port used by onion packets (PackIPPort, UnpackIPPort) or as
// variable-size packed nodes in NodesResponse packets (AppendPackedNode,
// UnpackNodes).
//
// # Endpoints
//
// UDPTransport owns the socket. Its Serve method runs one reader goroutine,
// which pushes datagrams onto the Inbound channel, and one writer goroutine,
// which drains the outbound queue filled by Send. Close flushes the queue
// before releasing the socket:
//
//	t, err := transport.NewUDPTransport(":33445", transport.DefaultUDPOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go t.Serve(ctx)
//	for d := range t.Inbound() {
//	    dispatcher.Dispatch(d.Data, d.Addr)
//	}
//
// MemoryNetwork provides in-process endpoints with the same interface.
//
// # Dispatch
//
// Dispatcher checks the optional network restriction, the per-source rate
// limit and the handler's minimum length before calling the handler for a
// packet type. Handler errors wrapping ErrMalformedPacket or
// crypto.ErrAuthFailure charge the source a rate-limit penalty; errors
// wrapping ErrDropped are logged at debug level only.
package transport
