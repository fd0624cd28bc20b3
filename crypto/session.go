package crypto

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/patrickmn/go-cache"
)

// SessionOptions tunes the shared-key cache of a Session.
type SessionOptions struct {
	// SharedKeyTTL is how long an unused shared key stays cached.
	SharedKeyTTL time.Duration
	// MaxSharedKeys caps the cache; keys derived beyond the cap are used once
	// and not stored.
	MaxSharedKeys int
}

// DefaultSessionOptions returns the cache settings used by a node.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		SharedKeyTTL:  10 * time.Minute,
		MaxSharedKeys: 4096,
	}
}

// Session wraps the node's long-term key pair and caches the shared key of
// every peer it talks to. The secret key lives in a memguard enclave and is
// only decrypted into locked memory while a new shared key is derived.
//
// A Session is safe for concurrent use.
//
//export ToxSession
type Session struct {
	publicKey [32]byte
	secret    *memguard.Enclave
	shared    *cache.Cache
	opts      SessionOptions
}

// NewSession creates a session from kp. The private half of kp is wiped.
//
//export ToxNewSession
func NewSession(kp *KeyPair) (*Session, error) {
	return NewSessionWithOptions(kp, DefaultSessionOptions())
}

// NewSessionWithOptions creates a session with custom cache settings.
func NewSessionWithOptions(kp *KeyPair, opts SessionOptions) (*Session, error) {
	if kp == nil {
		return nil, ErrNilKeyPair
	}
	if isZeroKey(kp.Private) {
		return nil, ErrZeroSecretKey
	}
	if opts.SharedKeyTTL <= 0 {
		opts.SharedKeyTTL = DefaultSessionOptions().SharedKeyTTL
	}
	if opts.MaxSharedKeys <= 0 {
		opts.MaxSharedKeys = DefaultSessionOptions().MaxSharedKeys
	}

	sk := make([]byte, 32)
	copy(sk, kp.Private[:])
	s := &Session{
		publicKey: kp.Public,
		secret:    memguard.NewEnclave(sk), // wipes sk
		shared:    cache.New(opts.SharedKeyTTL, opts.SharedKeyTTL/2),
		opts:      opts,
	}
	_ = WipeKeyPair(kp)

	keyLog("NewSession", s.publicKey).Debug("Crypto session created")
	return s, nil
}

// PublicKey returns the session's long-term public key.
func (s *Session) PublicKey() [32]byte {
	return s.publicKey
}

// SharedKey returns the precomputed box key for peer, deriving and caching it
// on first use.
func (s *Session) SharedKey(peer [32]byte) ([32]byte, error) {
	cacheKey := string(peer[:])
	if v, ok := s.shared.Get(cacheKey); ok {
		return v.([32]byte), nil
	}

	buf, err := s.secret.Open()
	if err != nil {
		return [32]byte{}, fmt.Errorf("open secret key: %w", err)
	}
	shared, err := DeriveSharedSecret(peer, *buf.ByteArray32())
	buf.Destroy()
	if err != nil {
		return [32]byte{}, err
	}

	if s.shared.ItemCount() < s.opts.MaxSharedKeys {
		s.shared.SetDefault(cacheKey, shared)
	}
	return shared, nil
}

// Seal encrypts plaintext for recipient under a fresh random nonce.
func (s *Session) Seal(recipient [32]byte, plaintext []byte) (Nonce, []byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return Nonce{}, nil, err
	}
	ct, err := s.SealWithNonce(recipient, nonce, plaintext)
	if err != nil {
		return Nonce{}, nil, err
	}
	return nonce, ct, nil
}

// SealWithNonce encrypts plaintext for recipient under the given nonce.
func (s *Session) SealWithNonce(recipient [32]byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	key, err := s.SharedKey(recipient)
	if err != nil {
		return nil, err
	}
	return EncryptPrecomputed(plaintext, nonce, &key)
}

// Open authenticates and decrypts ciphertext from sender. Any failure,
// including an unusable sender key, is reported as ErrAuthFailure and no
// plaintext is returned.
func (s *Session) Open(sender [32]byte, nonce Nonce, ciphertext []byte) ([]byte, error) {
	key, err := s.SharedKey(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return DecryptPrecomputed(ciphertext, nonce, &key)
}

// CacheSize reports how many shared keys are cached.
func (s *Session) CacheSize() int {
	return s.shared.ItemCount()
}

// Destroy drops every cached shared key. The session must not be used afterwards.
func (s *Session) Destroy() {
	s.shared.Flush()
}
