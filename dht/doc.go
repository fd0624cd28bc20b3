// Package dht implements the Distributed Hash Table for the Tox protocol,
// providing peer discovery and routing based on a modified Kademlia
// algorithm.
//
// # Architecture
//
// Each node maintains a routing table of 256 k-buckets. Bucket i holds the
// peers whose public keys share exactly i leading bits with the local key,
// so closer buckets cover exponentially smaller parts of the key space.
//
// Key components:
//
//   - RoutingTable: k-buckets, closest-peer queries and the bucket-full policy
//   - PendingRequests: outstanding pings and nodes requests with grace retries
//   - Server: answers DHT packets and sends the node's own requests
//   - Maintainer: bucket refresh, liveness pings and timeout handling
//   - BootstrapManager: joins the network from well-known nodes
//   - LANDiscovery: announces the node on the local network
//
// # Bucket-full policy
//
// Insert never blocks on the network. When a bucket is full and has no bad
// entry, the newcomer is parked as the bucket's replacement candidate and
// the least recently seen entry is returned as a challenge:
//
//	result, challenged, err := table.Insert(peer)
//	if result == dht.PendingEviction {
//	    // ping challenged; later:
//	    table.ResolveEviction(challenged.ID, answered)
//	}
//
// A live entry stays and the candidate is dropped. A dead entry is evicted
// and the candidate takes its place. Server and Maintainer run this exchange
// with eviction-check pings.
//
// # Event loop
//
// None of the types in this package start goroutines. The node's event loop
// feeds packets to the Server through a transport.Dispatcher and calls the
// Maintainer and BootstrapManager from its scheduler. Every type guards its
// state with a mutex so statistics can be read from other goroutines.
package dht
