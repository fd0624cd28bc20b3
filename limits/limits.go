// Package limits provides centralized packet size limits for the Tox DHT and onion protocols.
// This ensures consistent validation across different components of the node.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxUDPPacketSize is the largest datagram a Tox node reads or sends.
	MaxUDPPacketSize = 2048

	// EncryptionOverhead is the Poly1305 tag added by box.Seal and secretbox.Seal.
	// The nonce (24 bytes) is sent separately in the packet header.
	EncryptionOverhead = 16 // golang.org/x/crypto/nacl/box.Overhead

	// PublicKeySize is the size of a curve25519 public key.
	PublicKeySize = 32

	// NonceSize is the size of a NaCl nonce.
	NonceSize = 24

	// DHTHeaderSize is type + sender public key + nonce of an encrypted DHT packet.
	DHTHeaderSize = 1 + PublicKeySize + NonceSize

	// MaxSentNodes is how many packed nodes a nodes response may carry.
	MaxSentNodes = 4

	// MaxMOTDLength is the longest message of the day sent in a bootstrap info response.
	MaxMOTDLength = 256

	// BootstrapInfoRequestSize is the exact size of a bootstrap info request.
	BootstrapInfoRequestSize = 78

	// IPPortSize is the fixed-width IP_Port used inside onion return blocks.
	IPPortSize = 1 + 16 + 2

	// OnionReturn1Size is the return block attached by the first relay.
	OnionReturn1Size = NonceSize + IPPortSize + EncryptionOverhead
	// OnionReturn2Size is the return block attached by the second relay.
	OnionReturn2Size = NonceSize + IPPortSize + OnionReturn1Size + EncryptionOverhead
	// OnionReturn3Size is the return block attached by the third relay.
	OnionReturn3Size = NonceSize + IPPortSize + OnionReturn2Size + EncryptionOverhead

	// OnionMaxPacketSize is the largest onion request accepted.
	OnionMaxPacketSize = 1400
	// OnionMaxDataSize is the largest payload carried to the final destination.
	OnionMaxDataSize = OnionMaxPacketSize - (PublicKeySize + NonceSize + IPPortSize + EncryptionOverhead)
)

var (
	// ErrPacketEmpty indicates an empty packet was provided
	ErrPacketEmpty = errors.New("empty packet")

	// ErrPacketTooLarge indicates packet exceeds maximum size
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrPacketTooShort indicates packet is shorter than its fixed layout
	ErrPacketTooShort = errors.New("packet too short")

	// ErrResourceExhaustion indicates a bounded table or cache is at capacity.
	ErrResourceExhaustion = errors.New("resource exhausted")
)

// ValidatePacketSize validates a packet against the given minimum and maximum sizes.
// Returns an error with context including the actual and expected sizes.
func ValidatePacketSize(packet []byte, minSize, maxSize int) error {
	if len(packet) == 0 {
		return ErrPacketEmpty
	}
	if len(packet) < minSize {
		return fmt.Errorf("%w: size %d below minimum %d", ErrPacketTooShort, len(packet), minSize)
	}
	if len(packet) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(packet), maxSize)
	}
	return nil
}

// ValidateDatagram validates a raw datagram against MaxUDPPacketSize.
func ValidateDatagram(data []byte) error {
	return ValidatePacketSize(data, 1, MaxUDPPacketSize)
}

// ValidateMOTD checks that a rendered message of the day fits in a bootstrap info response.
func ValidateMOTD(motd []byte) error {
	if len(motd) > MaxMOTDLength {
		return fmt.Errorf("%w: motd size %d exceeds limit %d", ErrPacketTooLarge, len(motd), MaxMOTDLength)
	}
	return nil
}
