package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxnode/limits"
)

var (
	// ErrMalformedPacket is returned when a datagram cannot be parsed.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnsupportedAddress is returned for destinations the socket cannot reach,
	// such as IPv6 peers on an IPv4-only socket.
	ErrUnsupportedAddress = errors.New("unsupported address")

	// ErrDropped marks handler errors for packets that are discarded without
	// blaming the sender, such as responses on an expired onion path.
	ErrDropped = errors.New("packet dropped")

	// ErrQueueFull is returned when the outbound queue cannot take more packets.
	ErrQueueFull = fmt.Errorf("outbound queue full: %w", limits.ErrResourceExhaustion)
)

// TransportError records the operation and address that produced an error,
// in the manner of net.OpError.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
