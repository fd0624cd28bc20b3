// Package crypto provides the cryptographic session layer of a Tox node.
//
// All primitives come from golang.org/x/crypto: NaCl box (Curve25519,
// XSalsa20, Poly1305) for public-key packets and secretbox for symmetric
// onion return blocks. Nothing here reimplements a primitive.
//
// # Key Pairs
//
//	kp, err := crypto.GenerateKeyPair()
//	kp, err := crypto.FromSecretKey(secret)
//	kp, err := crypto.LoadOrGenerateKeys("/var/lib/tox-node/keys")
//
// The keys file holds the public key followed by the secret key (64 bytes)
// and is created with mode 0600.
//
// # Sessions
//
// A Session owns the node's long-term key pair. The secret key is sealed in a
// memguard enclave; shared keys are derived once per peer with box.Precompute
// and cached with an idle expiry:
//
//	s, err := crypto.NewSession(kp)
//	nonce, ct, err := s.Seal(peerPK, plaintext)
//	pt, err := s.Open(peerPK, nonce, ct)
//	if errors.Is(err, crypto.ErrAuthFailure) {
//	    // forged or corrupted packet, drop it
//	}
//
// Open never panics and never returns partial plaintext: every input from
// the network is treated as adversarial.
//
// # Symmetric Encryption
//
// EncryptSymmetric and DecryptSymmetric wrap secretbox and are used by the
// onion relay for return path blocks.
//
// # Logging
//
// Log lines carry the package and function fields used across the module.
// Keys are only ever logged through KeyPreview.
package crypto
