package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// keysFileSize is public key followed by secret key.
const keysFileSize = 64

// LoadKeysFile reads a key pair stored as public key followed by secret key.
// The stored public key must match the one derived from the secret key.
func LoadKeysFile(path string) (*KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, keysFileSize)
	defer ZeroBytes(buf)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read keys file %s: %w", path, err)
	}

	var sk [32]byte
	copy(sk[:], buf[32:])
	kp, err := FromSecretKey(sk)
	ZeroBytes(sk[:])
	if err != nil {
		return nil, fmt.Errorf("keys file %s: %w", path, err)
	}
	if !bytes.Equal(kp.Public[:], buf[:32]) {
		_ = WipeKeyPair(kp)
		return nil, fmt.Errorf("keys file %s: public key does not match secret key", path)
	}
	return kp, nil
}

// SaveKeysFile writes kp to path with owner-only permissions.
func SaveKeysFile(path string, kp *KeyPair) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create keys file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 0, keysFileSize)
	buf = append(buf, kp.Public[:]...)
	buf = append(buf, kp.Private[:]...)
	defer ZeroBytes(buf)

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}
	return f.Sync()
}

// LoadOrGenerateKeys loads the key pair at path, or generates and saves a
// new one when the file does not exist.
func LoadOrGenerateKeys(path string) (*KeyPair, error) {
	kp, err := LoadKeysFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeysFile(path, kp); err != nil {
		return nil, err
	}
	keyLog("LoadOrGenerateKeys", kp.Public).
		WithField("path", path).
		Info("Generated new DHT keys")
	return kp, nil
}
