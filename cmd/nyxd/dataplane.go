package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/seleniaproject/nyxd/internal/config"
	"github.com/seleniaproject/nyxd/internal/daemon"
	"github.com/seleniaproject/nyxd/internal/errmgr"
	"github.com/seleniaproject/nyxd/internal/frame"
	nyxmetrics "github.com/seleniaproject/nyxd/internal/metrics"
	"github.com/seleniaproject/nyxd/internal/monitor"
	"github.com/seleniaproject/nyxd/internal/transport"
)

// -------------------------------------------------------------------------
// Data Plane — overlay UDP substrate wiring
// -------------------------------------------------------------------------

// frameDemuxer feeds decoded overlay frames into the daemon's
// accounting: the metrics collector, the per-path performance
// monitors, and the error engine. Connection-level routing extends
// from here as sessions come up.
type frameDemuxer struct {
	collector *nyxmetrics.Collector
	monitors  *monitor.Registry
	errors    *errmgr.Engine
	logger    *slog.Logger
}

// Demux implements transport.Demuxer.
func (d *frameDemuxer) Demux(f frame.Frame, meta transport.PacketMeta) error {
	var pathID uint8
	if f.Header.PathID != nil {
		pathID = *f.Header.PathID
	}

	d.collector.FrameReceived(f.Header.Type.String(), pathID, len(f.Payload))

	mon := d.monitors.GetOrCreate(meta.Src.Addr().String())
	mon.RecordTransmission(0, uint64(len(f.Payload)), true)

	switch f.Header.Type {
	case frame.TypeClose:
		if code, capID, err := frame.DecodeCloseReason(f.Payload); err == nil &&
			code == frame.CloseReasonUnsupportedCap {
			d.errors.Report(errmgr.Record{
				Type:     "capability_close",
				Message:  fmt.Sprintf("peer closed: unsupported capability 0x%08x", capID),
				Severity: errmgr.SeverityMedium,
				Category: errmgr.CategoryProtocol,
				Recovery: errmgr.RecoveryNone,
				Source:   "nyxd.frameDemuxer",
			})
		}
	case frame.TypePathChallenge, frame.TypePathResponse:
		// Liveness probes refresh the path monitor above; nothing else
		// to route until the session owns the path.
	default:
	}

	d.logger.Debug("frame received",
		slog.String("type", f.Header.Type.String()),
		slog.String("src", meta.Src.String()),
		slog.Uint64("seq", f.Header.Seq),
	)
	return nil
}

// startDataPlane opens the overlay UDP listener and runs the receive
// loop, feeding the demuxer. The monitor registry's analysis tasks are
// stopped on shutdown.
func startDataPlane(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	collector *nyxmetrics.Collector,
	core *daemon.Core,
	logger *slog.Logger,
) error {
	ln, err := transport.NewListener(transport.ListenerConfig{
		Port: cfg.Daemon.ListenPort,
	})
	if err != nil {
		return fmt.Errorf("start data plane: %w", err)
	}

	monitors := monitor.NewRegistry(logger)
	demux := &frameDemuxer{
		collector: collector,
		monitors:  monitors,
		errors:    core.Errors(),
		logger:    logger.With(slog.String("component", "nyxd.dataplane")),
	}

	recv := transport.NewReceiver(demux, logger)
	g.Go(func() error {
		defer monitors.StopAll()
		return recv.Run(ctx, ln)
	})

	logger.Info("overlay listener started",
		slog.String("addr", ln.LocalAddr().String()),
	)
	return nil
}
