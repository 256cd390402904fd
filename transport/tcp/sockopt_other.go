// File: transport/tcp/sockopt_other.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import "net"

// tuneConn applies portable defaults on non-Linux platforms.
func tuneConn(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
}
