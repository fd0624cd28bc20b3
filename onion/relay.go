package onion

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

// requestLayer describes one hop of an onion request.
type requestLayer struct {
	hop int
	in  transport.PacketType
	// out is the request type sent to the next relay; zero at the last hop,
	// which forwards the innermost packet as is.
	out transport.PacketType
	// returnIn is the size of the return block the request arrives with.
	returnIn int
}

var requestLayers = [3]requestLayer{
	{hop: 0, in: transport.PacketOnionRequest0, out: transport.PacketOnionRequest1},
	{hop: 1, in: transport.PacketOnionRequest1, out: transport.PacketOnionRequest2, returnIn: limits.OnionReturn1Size},
	{hop: 2, in: transport.PacketOnionRequest2, returnIn: limits.OnionReturn2Size},
}

// responseLayer describes one hop of an onion response.
type responseLayer struct {
	in transport.PacketType
	// out is the response type sent toward the requester; zero at the first
	// relay, which delivers the bare payload.
	out        transport.PacketType
	returnSize int
}

var responseLayers = map[transport.PacketType]responseLayer{
	transport.PacketOnionResponse3: {in: transport.PacketOnionResponse3, out: transport.PacketOnionResponse2, returnSize: limits.OnionReturn3Size},
	transport.PacketOnionResponse2: {in: transport.PacketOnionResponse2, out: transport.PacketOnionResponse1, returnSize: limits.OnionReturn2Size},
	transport.PacketOnionResponse1: {in: transport.PacketOnionResponse1, returnSize: limits.OnionReturn1Size},
}

// RelayStats counts onion packets forwarded by a relay.
type RelayStats struct {
	RequestsForwarded  uint64
	ResponsesForwarded uint64
}

// Relay forwards onion requests one layer at a time and routes responses
// back along the cached paths.
//
//export ToxOnionRelay
type Relay struct {
	session   *crypto.Session
	transport transport.Transport
	paths     *PathCache

	requests  atomic.Uint64
	responses atomic.Uint64
}

// NewRelay creates an onion relay using the node's long-term key.
//
//export ToxOnionRelayNew
func NewRelay(session *crypto.Session, tr transport.Transport, paths *PathCache) *Relay {
	return &Relay{
		session:   session,
		transport: tr,
		paths:     paths,
	}
}

// Paths returns the relay's path cache.
func (r *Relay) Paths() *PathCache {
	return r.paths
}

// Stats returns the forwarding counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		RequestsForwarded:  r.requests.Load(),
		ResponsesForwarded: r.responses.Load(),
	}
}

// Register installs the relay handlers in d.
func (r *Relay) Register(d *transport.Dispatcher) {
	for _, l := range requestLayers {
		d.RegisterHandler(l.in, 1+minRequestSize(l), r.requestHandler(l))
	}
	for _, l := range responseLayers {
		d.RegisterHandler(l.in, 1+l.returnSize+1, r.responseHandler(l))
	}
}

// minRequestSize is the smallest body of a request at layer l: nonce, temp
// key, a sealed IP_Port (plus the next temp key before the last hop) and the
// return block.
func minRequestSize(l requestLayer) int {
	plain := limits.IPPortSize + 1
	if l.out != 0 {
		plain = limits.IPPortSize + limits.PublicKeySize + 1
	}
	return limits.NonceSize + limits.PublicKeySize + plain + limits.EncryptionOverhead + l.returnIn
}

func (r *Relay) requestHandler(l requestLayer) transport.PacketHandler {
	return func(packet *transport.Packet, addr net.Addr) error {
		return r.handleRequest(l, packet, addr)
	}
}

func (r *Relay) responseHandler(l responseLayer) transport.PacketHandler {
	return func(packet *transport.Packet, addr net.Addr) error {
		return r.handleResponse(l, packet, addr)
	}
}

// HandleRequest0 peels the first layer of an onion request from a client.
func (r *Relay) HandleRequest0(packet *transport.Packet, addr net.Addr) error {
	return r.handleRequest(requestLayers[0], packet, addr)
}

// HandleRequest1 peels the second layer.
func (r *Relay) HandleRequest1(packet *transport.Packet, addr net.Addr) error {
	return r.handleRequest(requestLayers[1], packet, addr)
}

// HandleRequest2 peels the last layer and delivers the inner packet.
func (r *Relay) HandleRequest2(packet *transport.Packet, addr net.Addr) error {
	return r.handleRequest(requestLayers[2], packet, addr)
}

// HandleResponse3 routes a response from the destination to the second relay.
func (r *Relay) HandleResponse3(packet *transport.Packet, addr net.Addr) error {
	return r.handleResponse(responseLayers[transport.PacketOnionResponse3], packet, addr)
}

// HandleResponse2 routes a response to the first relay.
func (r *Relay) HandleResponse2(packet *transport.Packet, addr net.Addr) error {
	return r.handleResponse(responseLayers[transport.PacketOnionResponse2], packet, addr)
}

// HandleResponse1 delivers a response payload to the client.
func (r *Relay) HandleResponse1(packet *transport.Packet, addr net.Addr) error {
	return r.handleResponse(responseLayers[transport.PacketOnionResponse1], packet, addr)
}

// handleRequest strips this node's layer from an onion request:
//
//	[nonce][temp pk][box(next IP_Port [next temp pk] rest)][return in]
//
// and forwards [out][nonce][next temp pk][rest][return out] to the next hop,
// or the bare inner packet followed by the return block from the last hop.
func (r *Relay) handleRequest(l requestLayer, packet *transport.Packet, addr net.Addr) error {
	src, err := transport.ToUDPAddr(addr)
	if err != nil {
		return err
	}
	data := packet.Data
	if len(data)+1 > limits.OnionMaxPacketSize {
		return fmt.Errorf("%w: %s of %d bytes", transport.ErrMalformedPacket, l.in, len(data)+1)
	}
	if len(data) < minRequestSize(l) {
		return fmt.Errorf("%w: %s of %d bytes", transport.ErrMalformedPacket, l.in, len(data)+1)
	}

	var nonce crypto.Nonce
	var tempPK [32]byte
	copy(nonce[:], data[:limits.NonceSize])
	copy(tempPK[:], data[limits.NonceSize:limits.NonceSize+limits.PublicKeySize])
	sealed := data[limits.NonceSize+limits.PublicKeySize : len(data)-l.returnIn]
	returnIn := data[len(data)-l.returnIn:]

	plain, err := r.session.Open(tempPK, nonce, sealed)
	if err != nil {
		return fmt.Errorf("%s layer: %w", l.in, err)
	}
	next, err := transport.UnpackIPPort(plain)
	if err != nil {
		return err
	}
	rest := plain[limits.IPPortSize:]

	path, err := r.paths.Put(pathTuple(l.hop, src, returnIn), src, returnIn)
	if err != nil {
		return err
	}

	var out *transport.Packet
	if l.out != 0 {
		if len(rest) <= limits.PublicKeySize {
			return fmt.Errorf("%w: %s layer without payload", transport.ErrMalformedPacket, l.in)
		}
		body := make([]byte, 0, limits.NonceSize+len(rest)+len(path.Return))
		body = append(body, nonce[:]...)
		body = append(body, rest...)
		body = append(body, path.Return...)
		out = &transport.Packet{PacketType: l.out, Data: body}
	} else {
		body := make([]byte, 0, len(rest)-1+len(path.Return))
		body = append(body, rest[1:]...)
		body = append(body, path.Return...)
		out = &transport.Packet{PacketType: transport.PacketType(rest[0]), Data: body}
	}

	if err := r.transport.Send(out, next); err != nil {
		return fmt.Errorf("forward %s: %w", l.in, err)
	}
	r.requests.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "handleRequest",
		"layer":    l.in.String(),
		"next":     next.String(),
		"out":      out.PacketType.String(),
		"size":     len(out.Data) + 1,
	}).Debug("Forwarded onion request")
	return nil
}

// handleResponse opens the return block of a response:
//
//	[return block][payload]
//
// looks up its path by the block's nonce and sends [out][inner return][payload]
// to the requester, or the bare payload from the first relay.
func (r *Relay) handleResponse(l responseLayer, packet *transport.Packet, addr net.Addr) error {
	data := packet.Data
	if len(data)+1 > limits.OnionMaxPacketSize {
		return fmt.Errorf("%w: %s of %d bytes", transport.ErrMalformedPacket, l.in, len(data)+1)
	}
	if len(data) <= l.returnSize {
		return fmt.Errorf("%w: %s without payload", transport.ErrMalformedPacket, l.in)
	}

	var id crypto.Nonce
	copy(id[:], data[:limits.NonceSize])
	path, ok := r.paths.Get(id)
	if !ok {
		return fmt.Errorf("%s from %s: %w", l.in, addr, ErrUnknownPath)
	}

	plain, err := crypto.DecryptSymmetric(data[limits.NonceSize:l.returnSize], id, path.Key)
	if err != nil {
		return fmt.Errorf("%s return block: %w", l.in, err)
	}
	dest, err := transport.UnpackIPPort(plain)
	if err != nil {
		return err
	}
	if !dest.IP.Equal(path.Requester.IP) || dest.Port != path.Requester.Port {
		return fmt.Errorf("%w: %s return block does not match its path", transport.ErrMalformedPacket, l.in)
	}
	r.paths.Touch(id)

	inner := plain[limits.IPPortSize:]
	payload := data[l.returnSize:]

	var out *transport.Packet
	if l.out != 0 {
		body := make([]byte, 0, len(inner)+len(payload))
		body = append(body, inner...)
		body = append(body, payload...)
		out = &transport.Packet{PacketType: l.out, Data: body}
	} else {
		out = &transport.Packet{PacketType: transport.PacketType(payload[0]), Data: append([]byte(nil), payload[1:]...)}
	}

	if err := r.transport.Send(out, dest); err != nil {
		return fmt.Errorf("forward %s: %w", l.in, err)
	}
	r.responses.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "handleResponse",
		"layer":    l.in.String(),
		"to":       dest.String(),
		"out":      out.PacketType.String(),
	}).Debug("Forwarded onion response")
	return nil
}

// pathTuple identifies the requests that share a path: same hop, same
// requester and same inner return block.
func pathTuple(hop int, src *net.UDPAddr, returnIn []byte) string {
	ip := transport.NormalizeIP(src.IP)
	buf := make([]byte, 0, 1+len(ip)+2+len(returnIn))
	buf = append(buf, byte(hop))
	buf = append(buf, ip...)
	buf = append(buf, byte(src.Port>>8), byte(src.Port))
	buf = append(buf, returnIn...)
	return string(buf)
}
