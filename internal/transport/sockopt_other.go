//go:build !linux

package transport

import "net"

// tuneSocket is a no-op on platforms without the Linux socket option
// surface; default kernel buffers apply.
func tuneSocket(*net.UDPConn) error { return nil }
