package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// DeriveSharedSecret computes the crypto_box shared key between two parties:
// X25519 on Curve25519 followed by HSalsa20, exactly as box.Precompute does.
// The result can be passed to EncryptPrecomputed and DecryptPrecomputed.
//
// Peer keys that are low-order points are rejected.
//
//export ToxDeriveSharedSecret
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	raw, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateKey[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	ZeroBytes(raw)

	var shared [32]byte
	box.Precompute(&shared, &peerPublicKey, &privateKey)

	ZeroBytes(privateKey[:])
	return shared, nil
}
