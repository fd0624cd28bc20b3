package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// MaxMessageSize bounds anything sealed here. A Tox datagram never exceeds
// it.
const MaxMessageSize = 64 * 1024

var (
	// ErrAuthFailure is returned when a ciphertext fails authentication. The
	// packet must be treated as adversarial and dropped.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrMessageTooLarge is returned for plaintexts over MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// Nonce is the 24-byte nonce shared by crypto_box and secretbox.
type Nonce [24]byte

// GenerateNonce draws a random nonce.
//
//export ToxGenerateNonce
func GenerateNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Encrypt seals message from senderSK to recipientPK.
//
//export ToxEncrypt
func Encrypt(message []byte, nonce Nonce, recipientPK, senderSK [32]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return box.Seal(nil, message, (*[24]byte)(&nonce), &recipientPK, &senderSK), nil
}

// Decrypt opens a ciphertext sealed by senderPK for recipientSK.
//
//export ToxDecrypt
func Decrypt(ciphertext []byte, nonce Nonce, senderPK, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, ErrAuthFailure
	}
	out, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), &senderPK, &recipientSK)
	if !ok {
		return nil, ErrAuthFailure
	}
	return out, nil
}

// EncryptPrecomputed seals message with a key from DeriveSharedSecret.
func EncryptPrecomputed(message []byte, nonce Nonce, sharedKey *[32]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return box.SealAfterPrecomputation(nil, message, (*[24]byte)(&nonce), sharedKey), nil
}

// DecryptPrecomputed opens a ciphertext with a key from DeriveSharedSecret.
func DecryptPrecomputed(ciphertext []byte, nonce Nonce, sharedKey *[32]byte) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, ErrAuthFailure
	}
	out, ok := box.OpenAfterPrecomputation(nil, ciphertext, (*[24]byte)(&nonce), sharedKey)
	if !ok {
		return nil, ErrAuthFailure
	}
	return out, nil
}

// EncryptSymmetric seals message under a secretbox key. Onion return path
// blocks use it.
//
//export ToxEncryptSymmetric
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return secretbox.Seal(nil, message, (*[24]byte)(&nonce), &key), nil
}

// DecryptSymmetric opens a secretbox ciphertext.
//
//export ToxDecryptSymmetric
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) < secretbox.Overhead {
		return nil, ErrAuthFailure
	}
	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), &key)
	if !ok {
		return nil, ErrAuthFailure
	}
	return out, nil
}
