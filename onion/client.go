package onion

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

// Hop is a relay on an onion path.
type Hop struct {
	PublicKey [32]byte
	Addr      *net.UDPAddr
}

// BuildRequest wraps payload, a complete packet, for delivery to dest
// through three relays. The returned OnionRequest0 is sent to hops[0].
// Layers are built innermost first; every layer uses a fresh temporary key.
//
//export ToxOnionBuildRequest
func BuildRequest(hops [3]Hop, dest *net.UDPAddr, payload []byte) (*transport.Packet, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty onion payload", transport.ErrMalformedPacket)
	}
	if len(payload) > limits.OnionMaxDataSize {
		return nil, fmt.Errorf("%w: onion payload of %d bytes", limits.ErrPacketTooLarge, len(payload))
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}

	inner := make([]byte, limits.IPPortSize, limits.IPPortSize+len(payload))
	if err := transport.PackIPPort(inner, dest); err != nil {
		return nil, err
	}
	inner = append(inner, payload...)

	for i := len(hops) - 1; i >= 0; i-- {
		temp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		sealed, err := crypto.Encrypt(inner, nonce, hops[i].PublicKey, temp.Private)
		tempPK := temp.Public
		_ = crypto.WipeKeyPair(temp)
		if err != nil {
			return nil, err
		}

		if i == 0 {
			data := make([]byte, 0, limits.NonceSize+limits.PublicKeySize+len(sealed))
			data = append(data, nonce[:]...)
			data = append(data, tempPK[:]...)
			data = append(data, sealed...)
			if len(data)+1 > limits.OnionMaxPacketSize {
				return nil, fmt.Errorf("%w: onion request of %d bytes", limits.ErrPacketTooLarge, len(data)+1)
			}
			return &transport.Packet{PacketType: transport.PacketOnionRequest0, Data: data}, nil
		}

		next := make([]byte, limits.IPPortSize, limits.IPPortSize+limits.PublicKeySize+len(sealed))
		if err := transport.PackIPPort(next, hops[i].Addr); err != nil {
			return nil, err
		}
		next = append(next, tempPK[:]...)
		next = append(next, sealed...)
		inner = next
	}
	panic("unreachable")
}

// AnnounceRequest is the plaintext of an announce request.
type AnnounceRequest struct {
	PingID        [32]byte
	SearchedKey   [32]byte
	DataPublicKey [32]byte
	Sendback      uint64
}

// BuildAnnounceRequest seals req from the client key kp to the announce node
// with key nodePK. The result is the payload handed to BuildRequest; the
// return block is added by the last relay.
func BuildAnnounceRequest(kp *crypto.KeyPair, nodePK [32]byte, req AnnounceRequest) ([]byte, error) {
	plain := make([]byte, 0, announcePlainSize)
	plain = append(plain, req.PingID[:]...)
	plain = append(plain, req.SearchedKey[:]...)
	plain = append(plain, req.DataPublicKey[:]...)
	plain = binary.BigEndian.AppendUint64(plain, req.Sendback)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Encrypt(plain, nonce, nodePK, kp.Private)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+limits.NonceSize+limits.PublicKeySize+len(sealed))
	out = append(out, byte(transport.PacketAnnounceRequest))
	out = append(out, nonce[:]...)
	out = append(out, kp.Public[:]...)
	out = append(out, sealed...)
	return out, nil
}

// AnnounceResponse is a decrypted announce response.
type AnnounceResponse struct {
	Sendback uint64
	IsStored byte
	// Value is the next ping id, or the data key of a found client.
	Value [32]byte
	Nodes []transport.PackedNode
}

// OpenAnnounceResponse decrypts the body of an announce response (the packet
// without its type byte) sent by nodePK to the client key kp.
func OpenAnnounceResponse(kp *crypto.KeyPair, nodePK [32]byte, data []byte) (*AnnounceResponse, error) {
	if len(data) < sendbackSize+limits.NonceSize+limits.EncryptionOverhead+1+32 {
		return nil, fmt.Errorf("%w: announce response of %d bytes", transport.ErrMalformedPacket, len(data))
	}
	var nonce crypto.Nonce
	copy(nonce[:], data[sendbackSize:sendbackSize+limits.NonceSize])
	plain, err := crypto.Decrypt(data[sendbackSize+limits.NonceSize:], nonce, nodePK, kp.Private)
	if err != nil {
		return nil, err
	}
	if len(plain) < 1+32 {
		return nil, fmt.Errorf("%w: announce response plaintext", transport.ErrMalformedPacket)
	}

	resp := &AnnounceResponse{
		Sendback: binary.BigEndian.Uint64(data[:sendbackSize]),
		IsStored: plain[0],
	}
	copy(resp.Value[:], plain[1:33])

	rest := plain[33:]
	for len(rest) > 0 {
		nodes, consumed, err := transport.UnpackNodes(rest, 1)
		if err != nil {
			return nil, err
		}
		resp.Nodes = append(resp.Nodes, nodes...)
		rest = rest[consumed:]
	}
	return resp, nil
}
