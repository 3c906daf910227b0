package stream_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seleniaproject/nyxd/internal/multipath"
	"github.com/seleniaproject/nyxd/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvAll drains n payloads from h, failing the test on timeout.
func recvAll(t *testing.T, ctx context.Context, h *stream.Handle, n int) [][]byte {
	t.Helper()
	out := make([][]byte, 0, n)
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case <-deadline:
			t.Fatalf("timeout after %d of %d payloads", len(out), n)
		default:
		}
		data, ok, err := h.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if !ok {
			t.Fatalf("stream ended after %d of %d payloads", len(out), n)
		}
		out = append(out, data)
	}
	return out
}

func TestSendRecvRoundTripWithBackpressure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := stream.Pair(ctx, stream.DefaultConfig(1), stream.DefaultConfig(2), testLogger())

	// Fill more than one window to exercise back-pressure.
	const n = 100
	errCh := make(chan error, 1)
	go func() {
		for i := range n {
			if err := a.Send(ctx, fmt.Appendf(nil, "msg-%d", i)); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	got := recvAll(t, ctx, b, n)
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}

	for i, data := range got {
		want := fmt.Sprintf("msg-%d", i)
		if string(data) != want {
			t.Fatalf("payload %d: got %q, want %q", i, data, want)
		}
	}
}

func TestClosePropagates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := stream.Pair(ctx, stream.DefaultConfig(1), stream.DefaultConfig(2), testLogger())

	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The peer observes end-of-stream.
	_, ok, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ok {
		t.Fatal("expected end-of-stream after remote close")
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("peer Close: %v", err)
	}

	// Both endpoints terminate.
	for name, h := range map[string]*stream.Handle{"a": a, "b": b} {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("endpoint %s did not terminate", name)
		}
	}
}

func TestDeterministicReorderReassembled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgA := stream.DefaultConfig(1)
	cfgA.ReorderWindow = 2
	cfgB := stream.DefaultConfig(2)

	a, b := stream.Pair(ctx, cfgA, cfgB, testLogger())

	for i := 1; i <= 4; i++ {
		if err := a.Send(ctx, fmt.Appendf(nil, "a%d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got := recvAll(t, ctx, b, 4)
	for i, data := range got {
		want := fmt.Sprintf("a%d", i+1)
		if string(data) != want {
			t.Fatalf("payload %d: got %q, want %q (reassembly must restore order)", i, data, want)
		}
	}
}

func TestOversizeSendRejected(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgA := stream.DefaultConfig(1)
	cfgA.MaxFrameLen = 3

	a, b := stream.Pair(ctx, cfgA, stream.DefaultConfig(2), testLogger())

	if err := a.Send(ctx, []byte("123")); err != nil {
		t.Fatalf("at-limit send: %v", err)
	}
	if err := a.Send(ctx, []byte("1234")); !errors.Is(err, stream.ErrPayloadTooLarge) {
		t.Fatalf("oversize send: got %v, want ErrPayloadTooLarge", err)
	}

	got := recvAll(t, ctx, b, 1)
	if string(got[0]) != "123" {
		t.Fatalf("got %q", got[0])
	}
}

func TestMultipathPreservesOrdering(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newPlane := func() *multipath.Plane {
		p := multipath.NewPlane(multipath.DefaultConfig(), testLogger())
		for id := multipath.PathID(0); id <= 1; id++ {
			m := multipath.Metrics{
				RTT:     time.Duration(10*(int(id)+1)) * time.Millisecond,
				Quality: 1.0,
			}
			if err := p.AddPath(id, float64(id)+1, m); err != nil {
				t.Fatalf("AddPath(%d): %v", id, err)
			}
		}
		return p
	}

	cfgA := stream.DefaultConfig(1)
	cfgA.Plane = newPlane()
	cfgB := stream.DefaultConfig(2)
	cfgB.Plane = newPlane()

	a, b := stream.Pair(ctx, cfgA, cfgB, testLogger())

	const n = 100
	errCh := make(chan error, 1)
	go func() {
		for i := range n {
			if err := a.Send(ctx, fmt.Appendf(nil, "m-%d", i)); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	got := recvAll(t, ctx, b, n)
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}

	// Bytes arrive in sender order regardless of scheduler choices.
	for i, data := range got {
		want := fmt.Sprintf("m-%d", i)
		if string(data) != want {
			t.Fatalf("payload %d: got %q, want %q", i, data, want)
		}
	}
}

func TestDuplicateDeliveryIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := stream.Pair(ctx, stream.DefaultConfig(1), stream.DefaultConfig(2), testLogger())

	for i := range 5 {
		if err := a.Send(ctx, fmt.Appendf(nil, "p%d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got := recvAll(t, ctx, b, 5)
	for i, data := range got {
		if string(data) != fmt.Sprintf("p%d", i) {
			t.Fatalf("payload %d: %q", i, data)
		}
	}

	// No sixth payload arrives even if the link retransmitted: a short
	// recv with deadline confirms quiescence.
	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer shortCancel()
	if data, ok, err := b.Recv(shortCtx); err == nil && ok {
		t.Fatalf("unexpected extra payload %q", data)
	}
}

func TestConcurrentBidirectional(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := stream.Pair(ctx, stream.DefaultConfig(1), stream.DefaultConfig(2), testLogger())

	const n = 50
	errCh := make(chan error, 2)
	send := func(h *stream.Handle, tag string) {
		for i := range n {
			if err := h.Send(ctx, fmt.Appendf(nil, "%s-%d", tag, i)); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}
	go send(a, "a")
	go send(b, "b")

	gotA := recvAll(t, ctx, a, n)
	gotB := recvAll(t, ctx, b, n)
	for i := range n {
		if string(gotA[i]) != fmt.Sprintf("b-%d", i) {
			t.Fatalf("a recv %d: %q", i, gotA[i])
		}
		if string(gotB[i]) != fmt.Sprintf("a-%d", i) {
			t.Fatalf("b recv %d: %q", i, gotB[i])
		}
	}
	for range 2 {
		if err := <-errCh; err != nil {
			t.Fatalf("send: %v", err)
		}
	}
}
