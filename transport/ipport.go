package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/toxnode/limits"
)

// Address family bytes used on the wire.
const (
	FamilyIPv4    byte = 2
	FamilyIPv6    byte = 10
	FamilyTCPIPv4 byte = 130
	FamilyTCPIPv6 byte = 138
)

// Packed node sizes: family, address, port, public key.
const (
	PackedNodeSizeIPv4 = 1 + 4 + 2 + limits.PublicKeySize
	PackedNodeSizeIPv6 = 1 + 16 + 2 + limits.PublicKeySize
)

// PackedNode is a node entry as carried in NodesResponse packets.
type PackedNode struct {
	PublicKey [32]byte
	Addr      *net.UDPAddr
	TCP       bool
}

// ToUDPAddr extracts a UDP address from a net.Addr.
func ToUDPAddr(addr net.Addr) (*net.UDPAddr, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a, nil
	case nil:
		return nil, fmt.Errorf("%w: nil address", ErrUnsupportedAddress)
	default:
		resolved, err := net.ResolveUDPAddr("udp", a.String())
		if err != nil {
			return nil, &TransportError{Op: "resolve", Addr: a.String(), Err: ErrUnsupportedAddress}
		}
		return resolved, nil
	}
}

// NormalizeIP returns the 4-byte form of IPv4 and IPv4-mapped addresses and
// the 16-byte form of everything else.
func NormalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// PackIPPort writes the fixed 19-byte IP_Port used inside onion packets:
// family byte, address padded to 16 bytes, port in network byte order.
func PackIPPort(dst []byte, addr *net.UDPAddr) error {
	if len(dst) < limits.IPPortSize {
		return fmt.Errorf("%w: IP_Port buffer of %d bytes", ErrMalformedPacket, len(dst))
	}
	if addr == nil {
		return fmt.Errorf("%w: nil address", ErrUnsupportedAddress)
	}
	for i := range dst[:limits.IPPortSize] {
		dst[i] = 0
	}

	ip := NormalizeIP(addr.IP)
	switch len(ip) {
	case net.IPv4len:
		dst[0] = FamilyIPv4
	case net.IPv6len:
		dst[0] = FamilyIPv6
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedAddress, addr)
	}
	copy(dst[1:17], ip)
	binary.BigEndian.PutUint16(dst[17:19], uint16(addr.Port))
	return nil
}

// UnpackIPPort reads a 19-byte IP_Port. Only UDP families are accepted.
func UnpackIPPort(src []byte) (*net.UDPAddr, error) {
	if len(src) < limits.IPPortSize {
		return nil, fmt.Errorf("%w: IP_Port of %d bytes", ErrMalformedPacket, len(src))
	}

	var ip net.IP
	switch src[0] {
	case FamilyIPv4:
		ip = net.IP(append([]byte(nil), src[1:5]...))
	case FamilyIPv6:
		ip = net.IP(append([]byte(nil), src[1:17]...))
	default:
		return nil, fmt.Errorf("%w: IP_Port family %d", ErrMalformedPacket, src[0])
	}

	port := binary.BigEndian.Uint16(src[17:19])
	if port == 0 {
		return nil, fmt.Errorf("%w: IP_Port with zero port", ErrMalformedPacket)
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// AppendPackedNode appends the wire form of n to dst.
func AppendPackedNode(dst []byte, n *PackedNode) ([]byte, error) {
	if n.Addr == nil {
		return dst, fmt.Errorf("%w: nil node address", ErrUnsupportedAddress)
	}
	ip := NormalizeIP(n.Addr.IP)

	var family byte
	switch len(ip) {
	case net.IPv4len:
		family = FamilyIPv4
		if n.TCP {
			family = FamilyTCPIPv4
		}
	case net.IPv6len:
		family = FamilyIPv6
		if n.TCP {
			family = FamilyTCPIPv6
		}
	default:
		return dst, fmt.Errorf("%w: %v", ErrUnsupportedAddress, n.Addr)
	}

	dst = append(dst, family)
	dst = append(dst, ip...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(n.Addr.Port))
	dst = append(dst, n.PublicKey[:]...)
	return dst, nil
}

// UnpackNodes decodes up to count packed nodes from data and returns them
// with the number of bytes consumed. A node advertising port zero makes the
// whole list malformed.
func UnpackNodes(data []byte, count int) ([]PackedNode, int, error) {
	nodes := make([]PackedNode, 0, count)
	offset := 0

	for i := 0; i < count; i++ {
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("%w: node %d missing", ErrMalformedPacket, i)
		}

		var ipLen int
		var tcp bool
		switch data[offset] {
		case FamilyIPv4:
			ipLen = net.IPv4len
		case FamilyTCPIPv4:
			ipLen, tcp = net.IPv4len, true
		case FamilyIPv6:
			ipLen = net.IPv6len
		case FamilyTCPIPv6:
			ipLen, tcp = net.IPv6len, true
		default:
			return nil, 0, fmt.Errorf("%w: node family %d", ErrMalformedPacket, data[offset])
		}

		size := 1 + ipLen + 2 + limits.PublicKeySize
		if offset+size > len(data) {
			return nil, 0, fmt.Errorf("%w: node %d truncated", ErrMalformedPacket, i)
		}

		entry := data[offset : offset+size]
		port := binary.BigEndian.Uint16(entry[1+ipLen : 3+ipLen])
		if port == 0 {
			return nil, 0, fmt.Errorf("%w: node %d with zero port", ErrMalformedPacket, i)
		}
		var n PackedNode
		n.TCP = tcp
		n.Addr = &net.UDPAddr{
			IP:   net.IP(append([]byte(nil), entry[1:1+ipLen]...)),
			Port: int(port),
		}
		copy(n.PublicKey[:], entry[3+ipLen:])
		nodes = append(nodes, n)
		offset += size
	}

	return nodes, offset, nil
}
