// Package node assembles a Tox DHT bootstrap node: the crypto session, the
// DHT server with its routing table and maintenance, the onion relay and the
// announce store, all served from one UDP socket.
//
// A Node owns every component. One event loop goroutine dispatches inbound
// datagrams and runs the periodic tasks of a min-heap scheduler, so handlers
// never run concurrently with each other. Stats may be read from any
// goroutine.
//
//	cfg := node.DefaultConfig()
//	cfg.KeysFile = "./keys"
//	cfg.UDPAddress = "0.0.0.0:33445"
//	n, err := node.Start(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer n.Shutdown(context.Background())
package node
