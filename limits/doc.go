// Package limits provides centralized packet size constants and validation functions
// for the Tox DHT and onion protocols. This package ensures consistent size
// enforcement across the dispatcher, the DHT server and the onion relay.
//
// # Size Hierarchy
//
//   - MaxUDPPacketSize (2048 bytes): the largest datagram read from the socket.
//     Anything larger is truncated by the kernel and dropped.
//
//   - DHTHeaderSize (57 bytes): type tag, sender public key and nonce that prefix
//     every encrypted DHT packet.
//
//   - OnionReturn1Size/2Size/3Size (59/118/177 bytes): return blocks attached by
//     each relay hop. The layout is nonce followed by a secretbox of the previous
//     hop's IP_Port and the inner return block.
//
//   - MaxMOTDLength (256 bytes): the message of the day served in bootstrap info
//     responses.
//
// # Validation Functions
//
//	err := limits.ValidatePacketSize(data, limits.DHTHeaderSize+limits.EncryptionOverhead, limits.MaxUDPPacketSize)
//	if errors.Is(err, limits.ErrPacketTooShort) {
//	    // drop
//	}
//
// # Error Types
//
//   - ErrPacketEmpty, ErrPacketTooShort, ErrPacketTooLarge: size violations
//   - ErrResourceExhaustion: a bounded table or cache refused a new entry. It is
//     wrapped by dht.ErrBucketFull and onion.ErrPathCacheFull.
//
// # Protocol Compliance
//
// These constants are taken from toxcore so that the node interoperates with other
// Tox implementations. EncryptionOverhead matches golang.org/x/crypto/nacl/box.Overhead.
package limits
