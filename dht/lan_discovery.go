package dht

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/transport"
)

const (
	// LAN discovery packets are sent to a rolling window of the ports Tox
	// clients usually bind.
	lanPortFirst     = 33445
	lanPortLast      = 33545
	lanPortsPerRound = 10
)

// LANDiscovery announces the node's DHT key on the local network so LAN
// peers can bootstrap from it.
//
//export ToxDHTLANDiscovery
type LANDiscovery struct {
	self       NodeID
	transport  transport.Transport
	ipv6       bool
	nextPort   int
	broadcasts func() []net.IP
}

// NewLANDiscovery creates a LAN discovery sender. With ipv6 set the IPv6
// all-nodes multicast group is included.
//
//export ToxDHTLANDiscoveryNew
func NewLANDiscovery(self NodeID, tr transport.Transport, ipv6 bool) *LANDiscovery {
	return &LANDiscovery{
		self:       self,
		transport:  tr,
		ipv6:       ipv6,
		nextPort:   lanPortFirst,
		broadcasts: interfaceBroadcasts,
	}
}

// Announce sends one round of discovery packets and returns how many were
// queued.
func (l *LANDiscovery) Announce() int {
	packet := &transport.Packet{
		PacketType: transport.PacketLANDiscovery,
		Data:       append([]byte(nil), l.self[:]...),
	}

	targets := l.broadcasts()
	targets = append(targets, net.IPv4bcast)
	if l.ipv6 {
		targets = append(targets, net.IPv6linklocalallnodes)
	}

	sent := 0
	for i := 0; i < lanPortsPerRound; i++ {
		port := l.nextPort
		l.nextPort++
		if l.nextPort > lanPortLast {
			l.nextPort = lanPortFirst
		}

		for _, ip := range targets {
			if err := l.transport.Send(packet, &net.UDPAddr{IP: ip, Port: port}); err == nil {
				sent++
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Announce",
		"targets":  len(targets),
		"sent":     sent,
	}).Debug("LAN discovery round sent")
	return sent
}

// interfaceBroadcasts returns the IPv4 broadcast address of every up,
// broadcast-capable interface.
func interfaceBroadcasts() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out
}
