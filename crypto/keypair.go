package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrZeroSecretKey is returned for an all-zero secret key, which would give
// every peer the same shared key.
var ErrZeroSecretKey = errors.New("crypto: secret key is all zeros")

// KeyPair is a long-term Curve25519 key pair. The node's DHT identity is
// its Public half.
//
//export ToxKeyPair
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair draws a fresh key pair from crypto/rand.
//
//export ToxGenerateKeyPair
func GenerateKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	kp := &KeyPair{Public: *pub, Private: *sec}
	ZeroBytes(sec[:])
	return kp, nil
}

// FromSecretKey rebuilds the key pair belonging to secretKey.
//
//export ToxKeyPairFromSecretKey
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroSecretKey
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

func isZeroKey(key [32]byte) bool {
	var zero [32]byte
	return subtle.ConstantTimeCompare(key[:], zero[:]) == 1
}
