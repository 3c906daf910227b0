package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seleniaproject/nyxd/internal/frame"
)

// Demuxer routes decoded frames to the owning connection. The daemon
// wiring implements this over the connection registry; the interface
// keeps transport decoupled from session bookkeeping.
type Demuxer interface {
	// Demux delivers one decoded frame with its transport metadata.
	Demux(f frame.Frame, meta PacketMeta) error
}

// Receiver reads datagrams from one or more listeners, decodes the
// leading frame, and hands it to the demuxer.
type Receiver struct {
	demuxer Demuxer
	logger  *slog.Logger
}

// NewReceiver creates a receiver over the given demuxer.
func NewReceiver(demuxer Demuxer, logger *slog.Logger) *Receiver {
	return &Receiver{
		demuxer: demuxer,
		logger:  logger.With(slog.String("component", "transport.receiver")),
	}
}

// Run reads from all listeners concurrently until ctx is cancelled.
// Individual decode and demux failures are logged, never fatal; only
// cancellation stops the loop.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))
	for _, ln := range listeners {
		go func(l *Listener) {
			defer func() { done <- struct{}{} }()
			r.readLoop(ctx, l)
		}(ln)
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for range listeners {
		<-done
	}
	return nil
}

func (r *Receiver) readLoop(ctx context.Context, l *Listener) {
	bufp := frame.Pool.Get().(*[]byte)
	defer frame.Pool.Put(bufp)

	for {
		n, meta, err := l.Recv(ctx, *bufp)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			r.logger.Warn("receive failed", slog.String("error", err.Error()))
			continue
		}

		f, _, err := frame.Decode((*bufp)[:n])
		if err != nil {
			r.logger.Warn("dropping undecodable datagram",
				slog.String("src", meta.Src.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := r.demuxer.Demux(f, meta); err != nil {
			r.logger.Debug("demux miss",
				slog.String("src", meta.Src.String()),
				slog.String("frame_type", f.Header.Type.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
