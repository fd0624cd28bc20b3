package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/dht"
	"github.com/opd-ai/toxnode/onion"
	"github.com/opd-ai/toxnode/transport"
)

// Maintenance cadence of the event loop. Per-peer and per-bucket intervals
// are enforced by the dht package; these only bound how often it is asked.
const (
	expireInterval    = time.Second
	livenessInterval  = 5 * time.Second
	refreshInterval   = 10 * time.Second
	bootstrapInterval = time.Second
	sweepInterval     = 10 * time.Second

	// maxIdle bounds how long the loop sleeps without looking at the clock.
	maxIdle = time.Second
)

// Stats is a snapshot of a running node.
type Stats struct {
	PublicKey       dht.NodeID
	LocalAddr       string
	Uptime          time.Duration
	Nodes           int
	Bootstrapped    bool
	PendingRequests int
	OnionPaths      int
	Announced       int
	SharedKeys      int
	PacketsSent     uint64
	DroppedInbound  uint64
	Dispatcher      transport.DispatcherStats
	Relay           onion.RelayStats
}

// countingTransport counts packets the handlers managed to queue.
type countingTransport struct {
	transport.Transport
	sent atomic.Uint64
}

func (c *countingTransport) Send(packet *transport.Packet, addr net.Addr) error {
	err := c.Transport.Send(packet, addr)
	if err == nil {
		c.sent.Add(1)
	}
	return err
}

// Node is a Tox DHT bootstrap node with an onion relay. All packet handling
// and maintenance runs on one event loop goroutine; the transport's reader
// and writer run beside it under the same errgroup.
//
//export ToxNode
type Node struct {
	cfg     Config
	clock   dht.TimeProvider
	started time.Time

	session    *crypto.Session
	endpoint   transport.Endpoint
	out        *countingTransport
	dispatcher *transport.Dispatcher

	table      *dht.RoutingTable
	pending    *dht.PendingRequests
	server     *dht.Server
	maintainer *dht.Maintainer
	bootstrap  *dht.BootstrapManager
	lan        *dht.LANDiscovery

	paths     *onion.PathCache
	relay     *onion.Relay
	announces *onion.AnnounceStore
	announcer *onion.Announcer

	sched *scheduler

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	shutdownOnce sync.Once
	shutdownErr  error
}

// Start loads the node's keys, binds the UDP socket and runs the node until
// ctx is cancelled or Shutdown is called. Configuration problems and a bind
// failure are returned; everything after that is logged and survived.
//
//export ToxNodeStart
func Start(ctx context.Context, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kp, err := cfg.keyPair()
	if err != nil {
		return nil, err
	}

	udp, err := transport.NewUDPTransport(cfg.UDPAddress, cfg.UDP)
	if err != nil {
		_ = crypto.WipeKeyPair(kp)
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"address":  cfg.UDPAddress,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return nil, err
	}

	n, err := start(ctx, cfg, kp, udp, nil)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	return n, nil
}

// start wires a node around an already bound endpoint. kp is wiped.
func start(ctx context.Context, cfg Config, kp *crypto.KeyPair, ep transport.Endpoint, clock dht.TimeProvider) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = dht.RealTimeProvider{}
	}

	session, err := crypto.NewSession(kp)
	if err != nil {
		return nil, err
	}
	self := dht.NodeID(session.PublicKey())

	restrict, err := cfg.netRestrict()
	if err != nil {
		return nil, fmt.Errorf("%w: net restrict: %v", ErrInvalidConfig, err)
	}
	var limiter *transport.RateLimiter
	if cfg.RateLimit.PacketsPerSecond > 0 {
		limiter = transport.NewRateLimiter(cfg.RateLimit)
		limiter.SetTimeFunc(clock.Now)
	}

	n := &Node{
		cfg:        cfg,
		clock:      clock,
		started:    clock.Now(),
		session:    session,
		endpoint:   ep,
		out:        &countingTransport{Transport: ep},
		dispatcher: transport.NewDispatcher(limiter, restrict),
		sched:      newScheduler(),
		done:       make(chan struct{}),
	}

	n.table = dht.NewRoutingTable(self, dht.BucketSize)
	n.table.SetTimeProvider(clock)
	n.table.SetSubnetLimit(cfg.BucketSubnetLimit)
	n.pending = dht.NewPendingRequests(cfg.Maintenance.RequestTimeout, cfg.Maintenance.MaxRetries, cfg.MaxPendingRequests)
	n.pending.SetTimeProvider(clock)

	n.server = dht.NewServer(session, n.table, n.pending, n.out, dht.ServerConfig{
		LANDiscovery: cfg.LANDiscovery,
		Version:      Version(),
		MOTD:         n.motd,
	})
	n.server.SetTimeProvider(clock)
	n.server.Register(n.dispatcher)

	n.maintainer = dht.NewMaintainer(n.table, n.pending, n.server, cfg.Maintenance)
	n.bootstrap = dht.NewBootstrapManager(n.server, n.table, cfg.BootstrapMinNodes)
	for _, bn := range cfg.BootstrapNodes {
		if err := n.bootstrap.AddNode(bn.Address, bn.PublicKey); err != nil {
			session.Destroy()
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if cfg.LANDiscovery {
		n.lan = dht.NewLANDiscovery(self, n.out, !isIPv4(ep.LocalAddr()))
	}

	n.paths = onion.NewPathCache(cfg.PathCapacity, cfg.PathTimeout)
	n.paths.SetTimeProvider(clock)
	n.relay = onion.NewRelay(session, n.out, n.paths)
	n.relay.Register(n.dispatcher)

	n.announces, err = onion.NewAnnounceStore(self, cfg.AnnounceEntries, cfg.AnnounceTimeout)
	if err != nil {
		session.Destroy()
		return nil, err
	}
	n.announces.SetTimeProvider(clock)
	n.announcer = onion.NewAnnouncer(session, n.announces, n.table, n.out)
	n.announcer.Register(n.dispatcher)

	n.schedule()
	n.logStartup()

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return ep.Serve(gctx) })
	g.Go(func() error { return n.loop(gctx) })
	go func() {
		n.err = g.Wait()
		close(n.done)
	}()
	return n, nil
}

func (n *Node) schedule() {
	now := n.clock.Now()
	n.sched.Every("expire_requests", expireInterval, now.Add(expireInterval), func(now time.Time) {
		n.maintainer.ExpireRequests(now)
	})
	n.sched.Every("ping_stale", livenessInterval, now.Add(livenessInterval), func(now time.Time) {
		n.maintainer.PingStale(now)
	})
	n.sched.Every("refresh_buckets", refreshInterval, now.Add(refreshInterval), func(now time.Time) {
		n.maintainer.RefreshBuckets(now)
	})
	n.sched.Every("bootstrap", bootstrapInterval, now, func(now time.Time) {
		n.bootstrap.Tick(now)
	})
	if n.lan != nil {
		n.sched.Every("lan_discovery", n.cfg.LANInterval, now, func(time.Time) {
			n.lan.Announce()
		})
	}
	pathSweep := pathSweepInterval(n.paths.Timeout())
	n.sched.Every("sweep_paths", pathSweep, now.Add(pathSweep), func(now time.Time) {
		n.paths.Sweep(now)
	})
	n.sched.Every("sweep_announces", sweepInterval, now.Add(sweepInterval), func(now time.Time) {
		n.announces.Sweep(now)
	})
	n.sched.Every("stats", n.cfg.StatsInterval, now.Add(n.cfg.StatsInterval), func(time.Time) {
		n.reportStats()
	})
}

func (n *Node) logStartup() {
	fields := logrus.Fields{
		"function":   "Start",
		"public_key": n.PublicKey().String(),
		"udp":        n.endpoint.LocalAddr().String(),
		"lan":        n.cfg.LANDiscovery,
		"version":    Version(),
	}
	logrus.WithFields(fields).Info("DHT node running")

	if len(n.cfg.TCPAddresses) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "Start",
			"tcp_addresses": n.cfg.TCPAddresses,
		}).Warn("TCP relay is not supported, TCP addresses ignored")
	}
}

// loop owns packet dispatch and the scheduler.
func (n *Node) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	inbound := n.endpoint.Inbound()

	for {
		select {
		case <-ctx.Done():
			return nil
		case dg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = n.dispatcher.Dispatch(dg.Data, dg.Addr)
		case <-timer.C:
			n.sched.RunDue(n.clock.Now())
			timer.Reset(n.idle())
		}
	}
}

// pathSweepInterval is at most half the path timeout and at least a tenth
// of maxIdle.
func pathSweepInterval(timeout time.Duration) time.Duration {
	return max(min(sweepInterval, timeout/2), maxIdle/10)
}

// idle returns how long the loop may wait for the next task.
func (n *Node) idle() time.Duration {
	next, ok := n.sched.Next()
	if !ok {
		return maxIdle
	}
	d := next.Sub(n.clock.Now())
	if d < 0 {
		return 0
	}
	if d > maxIdle {
		return maxIdle
	}
	return d
}

// motd renders the message of the day for a bootstrap info response.
func (n *Node) motd() []byte {
	return RenderMOTD(n.cfg.MOTD, MOTDVars{
		StartDate:     n.started,
		Uptime:        n.clock.Now().Sub(n.started),
		UDPPacketsIn:  n.dispatcher.Stats().Received,
		UDPPacketsOut: n.out.sent.Load(),
	})
}

func (n *Node) reportStats() {
	s := n.Stats()
	logrus.WithFields(logrus.Fields{
		"function":     "reportStats",
		"nodes":        s.Nodes,
		"pending":      s.PendingRequests,
		"onion_paths":  s.OnionPaths,
		"announced":    s.Announced,
		"received":     s.Dispatcher.Received,
		"sent":         s.PacketsSent,
		"rate_limited": s.Dispatcher.RateLimited,
		"dropped":      s.DroppedInbound,
		"uptime":       FormatUptime(s.Uptime),
	}).Info("Node statistics")
	if n.cfg.StatsHook != nil {
		n.cfg.StatsHook(s)
	}
}

// PublicKey returns the node's DHT public key.
//
//export ToxNodePublicKey
func (n *Node) PublicKey() dht.NodeID {
	return dht.NodeID(n.session.PublicKey())
}

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr {
	return n.endpoint.LocalAddr()
}

// AddBootstrapNode adds a bootstrap node while the node runs. The next
// bootstrap tick sends it a nodes request unless the table is already full
// enough. It is safe to call from any goroutine.
//
//export ToxNodeAddBootstrapNode
func (n *Node) AddBootstrapNode(address, publicKeyHex string) error {
	if err := n.bootstrap.AddNode(address, publicKeyHex); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Stats returns a snapshot of the node's tables and counters. It is safe to
// call from any goroutine.
//
//export ToxNodeStats
func (n *Node) Stats() Stats {
	return Stats{
		PublicKey:       n.PublicKey(),
		LocalAddr:       n.endpoint.LocalAddr().String(),
		Uptime:          n.clock.Now().Sub(n.started),
		Nodes:           n.table.Size(),
		Bootstrapped:    n.bootstrap.IsBootstrapped(),
		PendingRequests: n.pending.Len(),
		OnionPaths:      n.paths.Len(),
		Announced:       n.announces.Len(),
		SharedKeys:      n.session.CacheSize(),
		PacketsSent:     n.out.sent.Load(),
		DroppedInbound:  n.endpoint.DroppedInbound(),
		Dispatcher:      n.dispatcher.Stats(),
		Relay:           n.relay.Stats(),
	}
}

// Done is closed when the event loop has stopped.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err returns why the event loop stopped, once Done is closed.
func (n *Node) Err() error {
	select {
	case <-n.done:
		return n.err
	default:
		return nil
	}
}

// Shutdown stops reading, waits for the event loop, flushes the outbound
// queue and releases the socket. It is safe to call more than once.
//
//export ToxNodeShutdown
func (n *Node) Shutdown(ctx context.Context) error {
	n.shutdownOnce.Do(func() {
		n.cancel()
		var loopErr error
		select {
		case <-n.done:
			loopErr = n.err
		case <-ctx.Done():
			loopErr = fmt.Errorf("waiting for event loop: %w", ctx.Err())
		}

		closeErr := n.endpoint.Close()
		n.session.Destroy()
		n.shutdownErr = errors.Join(loopErr, closeErr)

		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"uptime":   FormatUptime(n.clock.Now().Sub(n.started)),
		}).Info("DHT node stopped")
	})
	return n.shutdownErr
}

func isIPv4(addr net.Addr) bool {
	udp, ok := addr.(*net.UDPAddr)
	return ok && udp.IP.To4() != nil
}
