package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/toxnode/limits"
)

// UDPOptions sizes the queues of a UDPTransport.
type UDPOptions struct {
	// InboundQueueSize is the number of datagrams buffered for the event loop.
	// Datagrams arriving while the queue is full are dropped.
	InboundQueueSize int
	// OutboundQueueSize is the number of packets waiting for the writer.
	OutboundQueueSize int
	// ReadTimeout bounds each socket read so the reader notices cancellation.
	ReadTimeout time.Duration
}

// DefaultUDPOptions returns the queue sizes used by a node.
func DefaultUDPOptions() UDPOptions {
	return UDPOptions{
		InboundQueueSize:  1024,
		OutboundQueueSize: 1024,
		ReadTimeout:       100 * time.Millisecond,
	}
}

type outboundPacket struct {
	data []byte
	addr *net.UDPAddr
}

// UDPTransport implements UDP-based communication for the Tox protocol.
// A reader goroutine feeds Inbound and a writer goroutine drains the outbound
// queue; Close flushes whatever is still queued before releasing the socket.
//
// A transport bound to an IPv4 address only reaches IPv4 peers. Otherwise the
// socket is dual-stack and IPv4 peers are addressed through their
// IPv4-mapped form.
type UDPTransport struct {
	conn     *net.UDPConn
	ipv4Only bool
	opts     UDPOptions

	inbound  chan Datagram
	outbound chan outboundPacket

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	droppedInbound atomic.Uint64
	writeErrors    atomic.Uint64
}

// NewUDPTransport binds a UDP socket on listenAddr. A bind failure is the
// only fatal error of the transport.
//
//export ToxNewUDPTransport
func NewUDPTransport(listenAddr string, opts UDPOptions) (*UDPTransport, error) {
	defaults := DefaultUDPOptions()
	if opts.InboundQueueSize <= 0 {
		opts.InboundQueueSize = defaults.InboundQueueSize
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = defaults.OutboundQueueSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}

	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Addr: listenAddr, Err: err}
	}

	network := "udp"
	ipv4Only := addr.IP != nil && addr.IP.To4() != nil
	if ipv4Only {
		network = "udp4"
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: listenAddr, Err: err}
	}

	if err := enableBroadcast(conn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewUDPTransport",
			"error":    err.Error(),
		}).Warn("Could not enable broadcast, LAN discovery will not reach peers")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
		"ipv4_only":  ipv4Only,
	}).Info("UDP transport bound")

	return &UDPTransport{
		conn:     conn,
		ipv4Only: ipv4Only,
		opts:     opts,
		inbound:  make(chan Datagram, opts.InboundQueueSize),
		outbound: make(chan outboundPacket, opts.OutboundQueueSize),
	}, nil
}

// Inbound returns the channel of received datagrams.
func (t *UDPTransport) Inbound() <-chan Datagram {
	return t.inbound
}

// Serve runs the reader and writer goroutines until ctx is cancelled or the
// reader hits a permanent socket error.
func (t *UDPTransport) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readLoop(gctx) })
	g.Go(func() error { return t.writeLoop(gctx) })
	return g.Wait()
}

// Send queues a packet for the specified address. It never blocks: a full
// queue returns ErrQueueFull.
//
//export ToxUDPSend
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	dst, err := ToUDPAddr(addr)
	if err != nil {
		return err
	}
	dst, err = t.mapAddress(dst)
	if err != nil {
		return err
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	select {
	case t.outbound <- outboundPacket{data: data, addr: dst}:
		return nil
	default:
		return &TransportError{Op: "send", Addr: dst.String(), Err: ErrQueueFull}
	}
}

// mapAddress adapts dst to the socket's address family.
func (t *UDPTransport) mapAddress(dst *net.UDPAddr) (*net.UDPAddr, error) {
	v4 := dst.IP.To4()
	if t.ipv4Only {
		if v4 == nil {
			return nil, &TransportError{Op: "send", Addr: dst.String(), Err: ErrUnsupportedAddress}
		}
		return &net.UDPAddr{IP: v4, Port: dst.Port}, nil
	}
	if v4 != nil {
		return &net.UDPAddr{IP: v4.To16(), Port: dst.Port}, nil
	}
	return dst, nil
}

// Close stops accepting packets, flushes the outbound queue and releases the
// socket. It is safe to call more than once.
//
//export ToxUDPClose
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		flushed := t.flush()
		t.closeErr = t.conn.Close()

		logrus.WithFields(logrus.Fields{
			"function":        "Close",
			"flushed":         flushed,
			"dropped_inbound": t.droppedInbound.Load(),
			"write_errors":    t.writeErrors.Load(),
		}).Info("UDP transport closed")
	})
	return t.closeErr
}

// flush writes every queued packet and returns how many there were.
func (t *UDPTransport) flush() int {
	n := 0
	for {
		select {
		case out := <-t.outbound:
			t.write(out)
			n++
		default:
			return n
		}
	}
}

// LocalAddr returns the local address the transport is listening on.
//
//export ToxUDPLocalAddr
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// DroppedInbound reports how many datagrams were dropped on a full queue.
func (t *UDPTransport) DroppedInbound() uint64 {
	return t.droppedInbound.Load()
}

func (t *UDPTransport) readLoop(ctx context.Context) error {
	buffer := make([]byte, limits.MaxUDPPacketSize)

	for ctx.Err() == nil {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))

		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if t.closed.Load() || ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if netutil.IsTemporaryError(err) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Debug("Temporary UDP read error")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Error("UDP read failed")
			return &TransportError{Op: "read", Addr: t.conn.LocalAddr().String(), Err: err}
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		src := &net.UDPAddr{IP: NormalizeIP(addr.IP), Port: addr.Port, Zone: addr.Zone}

		select {
		case t.inbound <- Datagram{Data: data, Addr: src}:
		case <-ctx.Done():
			return nil
		default:
			t.droppedInbound.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"from":     src.String(),
			}).Debug("Inbound queue full, datagram dropped")
		}
	}
	return nil
}

func (t *UDPTransport) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-t.outbound:
			t.write(out)
		}
	}
}

func (t *UDPTransport) write(out outboundPacket) {
	if _, err := t.conn.WriteToUDP(out.data, out.addr); err != nil {
		t.writeErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "write",
			"to":       out.addr.String(),
			"size":     len(out.data),
			"error":    err.Error(),
		}).Debug("UDP write failed")
	}
}
