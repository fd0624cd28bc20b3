// Package onion implements the relay side of Tox onion routing.
//
// A client reaches an announce node through three relays. Each relay strips
// one layer of an OnionRequest, which is sealed to the relay's DHT key with a
// temporary key carried in the packet, and forwards the rest to the next hop
// with a return block attached:
//
//	return block = nonce || secretbox(path key, IP_Port of requester || inner return block)
//
// The nonce is the path id. Relays keep a PathCache from path id to path key
// and requester, so a response that carries the return block is opened and
// sent one hop back. Paths idle for longer than the timeout are forgotten;
// responses on such paths fail with ErrUnknownPath and are dropped.
//
// The last node on a path may be an announce node. Announcer answers
// announce requests, storing the announcing client's return block in an
// AnnounceStore, and forwards data requests to stored clients.
//
// Example:
//
//	paths := onion.NewPathCache(0, onion.DefaultPathTimeout)
//	relay := onion.NewRelay(session, udp, paths)
//	relay.Register(dispatcher)
//
//	store, _ := onion.NewAnnounceStore(self, 0, 0)
//	onion.NewAnnouncer(session, store, table, udp).Register(dispatcher)
package onion
