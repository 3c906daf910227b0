//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Socket buffer sizing for the overlay's datagram substrate. Burst
// absorption matters more than per-packet latency here: a mix batch
// release lands as a burst of uniform records.
const (
	// recvBufBytes is the requested kernel receive buffer.
	recvBufBytes = 4 * 1024 * 1024

	// sendBufBytes is the requested kernel send buffer.
	sendBufBytes = 1 * 1024 * 1024
)

// tuneSocket applies platform socket options to a bound UDP conn:
// enlarged send/receive buffers and SO_REUSEADDR so a restarting
// daemon can rebind its port immediately.
func tuneSocket(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufBytes); err != nil {
			sockErr = fmt.Errorf("SO_RCVBUF: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufBytes); err != nil {
			sockErr = fmt.Errorf("SO_SNDBUF: %w", err)
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("socket control: %w", ctrlErr)
	}
	return sockErr
}
