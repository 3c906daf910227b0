package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Constants & Errors
// -------------------------------------------------------------------------

// DefaultPort is the overlay's default UDP port.
const DefaultPort uint16 = 43300

// Sentinel errors for the transport layer.
var (
	// ErrClosed indicates use of a closed conn.
	ErrClosed = errors.New("transport closed")

	// ErrNoListeners indicates a receiver started with no listeners.
	ErrNoListeners = errors.New("no listeners provided")
)

// -------------------------------------------------------------------------
// PacketMeta
// -------------------------------------------------------------------------

// PacketMeta is the transport metadata attached to each received
// datagram, used by the session demuxer.
type PacketMeta struct {
	// Src is the datagram's source address and port.
	Src netip.AddrPort

	// Dst is the local address the datagram arrived on.
	Dst netip.AddrPort
}

// -------------------------------------------------------------------------
// Listener
// -------------------------------------------------------------------------

// ListenerConfig holds the bind parameters for one UDP listener.
type ListenerConfig struct {
	// Addr is the local address to bind. The zero Addr binds the
	// wildcard address.
	Addr netip.Addr

	// Port is the UDP port; zero uses DefaultPort.
	Port uint16
}

// Listener is a bound UDP socket with a context-aware receive path.
type Listener struct {
	conn  *net.UDPConn
	local netip.AddrPort

	mu     sync.Mutex
	closed bool
}

// NewListener binds a UDP socket per the config.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	var addr netip.Addr
	if cfg.Addr.IsValid() {
		addr = cfg.Addr
	} else {
		addr = netip.IPv6Unspecified()
	}
	local := netip.AddrPortFrom(addr, cfg.Port)

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", local, err)
	}
	if err := tuneSocket(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tune listener socket: %w", err)
	}

	bound, _ := netip.ParseAddrPort(conn.LocalAddr().String())
	return &Listener{conn: conn, local: bound}, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() netip.AddrPort { return l.local }

// Recv blocks until a datagram arrives, the ctx deadline passes, or
// the listener is closed, filling buf. Cancellation of ctx is checked
// on entry only; it does not interrupt a blocked read. Callers typically pass a buffer from frame.Pool:
//
//	bufp := frame.Pool.Get().(*[]byte)
//	defer frame.Pool.Put(bufp)
//	n, meta, err := ln.Recv(ctx, *bufp)
func (l *Listener) Recv(ctx context.Context, buf []byte) (int, PacketMeta, error) {
	if err := ctx.Err(); err != nil {
		return 0, PacketMeta{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(deadline)
	}

	n, src, err := l.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return 0, PacketMeta{}, ErrClosed
		}
		return 0, PacketMeta{}, fmt.Errorf("read udp: %w", err)
	}

	return n, PacketMeta{Src: src, Dst: l.local}, nil
}

// Close shuts the socket down, unblocking pending reads.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener %s: %w", l.local, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Sender
// -------------------------------------------------------------------------

// Sender transmits encoded frames to peers over UDP.
type Sender struct {
	conn *net.UDPConn

	mu     sync.Mutex
	closed bool
}

// NewSender creates an unconnected UDP sender bound to an ephemeral
// local port on localAddr (or the wildcard when invalid).
func NewSender(localAddr netip.Addr) (*Sender, error) {
	var local *net.UDPAddr
	if localAddr.IsValid() {
		local = net.UDPAddrFromAddrPort(netip.AddrPortFrom(localAddr, 0))
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("bind sender: %w", err)
	}
	return &Sender{conn: conn}, nil
}

// Send transmits buf to dst. Honors the context deadline.
func (s *Sender) Send(ctx context.Context, buf []byte, dst netip.AddrPort) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}

	if _, err := s.conn.WriteToUDPAddrPort(buf, dst); err != nil {
		return fmt.Errorf("send %d bytes to %s: %w", len(buf), dst, err)
	}
	return nil
}

// Close shuts the sender socket down.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close sender: %w", err)
	}
	return nil
}
