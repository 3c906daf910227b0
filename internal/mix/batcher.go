package mix

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Batcher Configuration
// -------------------------------------------------------------------------

// Config parameterizes the cMix batcher.
type Config struct {
	// Enabled gates the whole mix pipeline.
	Enabled bool

	// BatchSize is the packet count that makes a batch Ready.
	BatchSize int

	// VDFDelayMillis is the enforced delay between batch-ready and
	// batch-released.
	VDFDelayMillis uint32

	// BatchTimeout promotes a partial batch to Ready.
	BatchTimeout time.Duration

	// TargetUtilization is the aimed-for share of real traffic per
	// batch, in [0, 1].
	TargetUtilization float64

	// EnableCoverTraffic allows the cover controller to inject dummy
	// packets into this batcher.
	EnableCoverTraffic bool
}

// DefaultBatcherConfig returns the production mix defaults.
func DefaultBatcherConfig() Config {
	return Config{
		Enabled:            false,
		BatchSize:          100,
		VDFDelayMillis:     100,
		BatchTimeout:       time.Second,
		TargetUtilization:  0.4,
		EnableCoverTraffic: true,
	}
}

// -------------------------------------------------------------------------
// Packets & Batches
// -------------------------------------------------------------------------

// Packet is one unit offered to the mix: payload bytes plus the cover
// marker. After AEAD, cover and data packets are indistinguishable on
// the wire; the marker exists only for local accounting.
type Packet struct {
	Data    []byte
	IsCover bool
}

// VerifiedBatch is a released batch: the packet set, the VDF output
// binding the release to the batch contents, and release stats.
type VerifiedBatch struct {
	ID         uint64
	Packets    []Packet
	VDF        VDFOutput
	ReadyAt    time.Time
	ReleasedAt time.Time
}

// Stats are the batcher's cumulative counters.
type Stats struct {
	PacketsIn       uint64
	CoverPacketsIn  uint64
	BatchesEmitted  uint64
	VDFComputations uint64
	Errors          uint64
}

// batchState is the batcher's lifecycle state.
type batchState uint8

const (
	stateIdle batchState = iota
	stateFilling
)

// -------------------------------------------------------------------------
// Batcher
// -------------------------------------------------------------------------

const inputChSize = 4096

// Batcher accumulates packets into batches and releases each batch
// only after its VDF delay has elapsed.
//
// State machine: Idle until the first packet arrives, Filling until
// the batch reaches BatchSize or BatchTimeout fires, then Ready; the
// batch is Released onto the output channel once the VDF delay has
// passed since it became Ready. The release timer runs even when the
// VDF chain computes faster, so at least the configured delay always
// separates ready and emit.
type Batcher struct {
	cfg    Config
	logger *slog.Logger

	in  chan Packet
	out chan VerifiedBatch

	packetsIn      atomic.Uint64
	coverPacketsIn atomic.Uint64
	batchesEmitted atomic.Uint64
	vdfComputed    atomic.Uint64
	errorCount     atomic.Uint64

	nextBatchID atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewBatcher creates a batcher. Run must be started on its own
// goroutine.
func NewBatcher(cfg Config, logger *slog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	return &Batcher{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "mix.batcher")),
		in:      make(chan Packet, inputChSize),
		out:     make(chan VerifiedBatch, 16),
		stopped: make(chan struct{}),
	}
}

// Submit offers a packet to the batcher. Returns false when the
// batcher is stopped or its input is full (the mix never
// back-pressures the data plane; callers count the drop).
func (b *Batcher) Submit(p Packet) bool {
	select {
	case <-b.stopped:
		return false
	default:
	}
	select {
	case b.in <- p:
		b.packetsIn.Add(1)
		if p.IsCover {
			b.coverPacketsIn.Add(1)
		}
		return true
	default:
		b.errorCount.Add(1)
		return false
	}
}

// Batches returns the release channel.
func (b *Batcher) Batches() <-chan VerifiedBatch { return b.out }

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		PacketsIn:       b.packetsIn.Load(),
		CoverPacketsIn:  b.coverPacketsIn.Load(),
		BatchesEmitted:  b.batchesEmitted.Load(),
		VDFComputations: b.vdfComputed.Load(),
		Errors:          b.errorCount.Load(),
	}
}

// Run executes the batch state machine until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	defer b.stopOnce.Do(func() { close(b.stopped) })

	var (
		state   = stateIdle
		current []Packet
		timeout *time.Timer
	)
	// Inert timer until the first packet arrives.
	timeout = time.NewTimer(time.Hour)
	timeout.Stop()
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case p := <-b.in:
			if state == stateIdle {
				state = stateFilling
				timeout.Reset(b.cfg.BatchTimeout)
			}
			current = append(current, p)
			if len(current) >= b.cfg.BatchSize {
				if !b.release(ctx, current) {
					return
				}
				current = nil
				state = stateIdle
				timeout.Stop()
			}

		case <-timeout.C:
			if state == stateFilling && len(current) > 0 {
				if !b.release(ctx, current) {
					return
				}
				current = nil
			}
			state = stateIdle
		}
	}
}

// release runs the Ready → Released leg: computes the VDF over the
// batch seed and holds the batch until the configured delay has
// elapsed, whichever finishes later. Returns false on cancellation.
func (b *Batcher) release(ctx context.Context, packets []Packet) bool {
	readyAt := time.Now()
	id := b.nextBatchID.Add(1)

	raw := make([][]byte, len(packets))
	for i, p := range packets {
		raw[i] = p.Data
	}
	seed := BatchSeed(id, raw)

	out, err := EvalVDF(seed, VDFIterations(b.cfg.VDFDelayMillis))
	if err != nil {
		b.errorCount.Add(1)
		b.logger.Error("vdf evaluation failed", slog.String("error", err.Error()))
		return true
	}
	b.vdfComputed.Add(1)

	// At-least-delay guarantee: wall time between ready and emit.
	delay := time.Duration(b.cfg.VDFDelayMillis) * time.Millisecond
	if remaining := delay - time.Since(readyAt); remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return false
		}
	}

	batch := VerifiedBatch{
		ID:         id,
		Packets:    packets,
		VDF:        out,
		ReadyAt:    readyAt,
		ReleasedAt: time.Now(),
	}

	select {
	case b.out <- batch:
		b.batchesEmitted.Add(1)
	case <-ctx.Done():
		return false
	}

	b.logger.Debug("batch released",
		slog.Uint64("batch_id", id),
		slog.Int("packets", len(packets)),
		slog.Duration("held", batch.ReleasedAt.Sub(readyAt)),
	)
	return true
}
