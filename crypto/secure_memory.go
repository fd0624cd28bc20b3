package crypto

import (
	"errors"

	"github.com/awnumar/memguard"
)

// ErrNilKeyPair is returned by WipeKeyPair for a nil pair.
var ErrNilKeyPair = errors.New("crypto: nil key pair")

// ZeroBytes overwrites buf with zeros. A nil or empty buf is a no-op.
//
//export ToxZeroBytes
func ZeroBytes(buf []byte) {
	if len(buf) == 0 {
		return
	}
	memguard.WipeBytes(buf)
}

// WipeKeyPair zeroes the secret half of kp. The public key stays usable.
//
//export ToxWipeKeyPair
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilKeyPair
	}
	ZeroBytes(kp.Private[:])
	return nil
}
