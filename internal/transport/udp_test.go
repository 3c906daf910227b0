package transport_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/seleniaproject/nyxd/internal/frame"
	"github.com/seleniaproject/nyxd/internal/transport"
)

func localhost() netip.Addr {
	return netip.MustParseAddr("127.0.0.1")
}

func TestListenerSenderRoundTrip(t *testing.T) {
	t.Parallel()

	ln, err := transport.NewListener(transport.ListenerConfig{Addr: localhost(), Port: 0})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer ln.Close()

	sender, err := transport.NewSender(localhost())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("nyx datagram")
	if err := sender.Send(ctx, payload, ln.LocalAddr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 2048)
	n, meta, err := ln.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("payload: got %q", buf[:n])
	}
	if !meta.Src.IsValid() {
		t.Fatalf("meta src: %+v", meta)
	}
	if meta.Dst != ln.LocalAddr() {
		t.Fatalf("meta dst: got %v, want %v", meta.Dst, ln.LocalAddr())
	}
}

func TestClosedSenderRefuses(t *testing.T) {
	t.Parallel()

	sender, err := transport.NewSender(localhost())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("double Close: %v", err)
	}

	err = sender.Send(context.Background(), []byte("x"), netip.MustParseAddrPort("127.0.0.1:9"))
	if err != transport.ErrClosed {
		t.Fatalf("send on closed: got %v, want ErrClosed", err)
	}
}

// collectDemuxer records demuxed frames for assertions.
type collectDemuxer struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (d *collectDemuxer) Demux(f frame.Frame, _ transport.PacketMeta) error {
	d.mu.Lock()
	d.frames = append(d.frames, f)
	d.mu.Unlock()
	return nil
}

func (d *collectDemuxer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func TestReceiverDecodesAndDemuxes(t *testing.T) {
	t.Parallel()

	ln, err := transport.NewListener(transport.ListenerConfig{Addr: localhost(), Port: 0})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	demux := &collectDemuxer{}
	logger := testLogger()
	recv := transport.NewReceiver(demux, logger)

	ctx, cancel := context.WithCancel(context.Background())
	recvDone := make(chan error, 1)
	go func() { recvDone <- recv.Run(ctx, ln) }()

	sender, err := transport.NewSender(localhost())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	// One valid frame and one garbage datagram; only the frame reaches
	// the demuxer.
	f := frame.NewData(1, 7, []byte("hello"))
	wire, err := f.Append(nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	if err := sender.Send(sendCtx, wire, ln.LocalAddr()); err != nil {
		t.Fatalf("Send frame: %v", err)
	}
	if err := sender.Send(sendCtx, []byte{0x7F, 0xFF}, ln.LocalAddr()); err != nil {
		t.Fatalf("Send garbage: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for demux.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("frame not demuxed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-recvDone; err != nil {
		t.Fatalf("receiver: %v", err)
	}

	demux.mu.Lock()
	defer demux.mu.Unlock()
	if len(demux.frames) != 1 {
		t.Fatalf("demuxed %d frames, want 1 (garbage dropped)", len(demux.frames))
	}
	if demux.frames[0].Header.Seq != 7 || string(demux.frames[0].Payload) != "hello" {
		t.Fatalf("frame: %+v", demux.frames[0])
	}
}

func TestReceiverRequiresListeners(t *testing.T) {
	t.Parallel()

	recv := transport.NewReceiver(&collectDemuxer{}, testLogger())
	if err := recv.Run(context.Background()); err == nil {
		t.Fatal("expected error with no listeners")
	}
}
