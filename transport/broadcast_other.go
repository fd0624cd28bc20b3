//go:build !unix

package transport

import "net"

func enableBroadcast(conn *net.UDPConn) error {
	return nil
}
