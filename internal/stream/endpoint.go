package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seleniaproject/nyxd/internal/flow"
	"github.com/seleniaproject/nyxd/internal/frame"
	"github.com/seleniaproject/nyxd/internal/multipath"
)

// -------------------------------------------------------------------------
// Endpoint Errors
// -------------------------------------------------------------------------

// Sentinel errors for endpoint operations.
var (
	// ErrEndpointClosed indicates an operation on a closed endpoint.
	ErrEndpointClosed = errors.New("stream endpoint closed")

	// ErrPayloadTooLarge indicates a Send above the configured frame
	// payload cap. Oversize sends fail loudly; they are never dropped
	// silently.
	ErrPayloadTooLarge = errors.New("payload exceeds max frame length")

	// ErrProtocol indicates an undecodable inbound frame; the
	// connection is closed as a protocol failure.
	ErrProtocol = errors.New("protocol violation")

	// ErrRetriesExhausted indicates a segment hit the retry cap; the
	// connection is closed as a transport failure.
	ErrRetriesExhausted = errors.New("retransmission retries exhausted")
)

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

const (
	// cmdChSize buffers application commands per endpoint.
	cmdChSize = 128

	// wireChSize buffers link messages per direction.
	wireChSize = 1024
)

// Config parameterizes one stream endpoint.
type Config struct {
	// StreamID is the stream identifier this endpoint sends under.
	StreamID uint32

	// MaxInflight bounds sent-but-unacked segments.
	MaxInflight int

	// RetransmitTimeout is the initial RTO before samples arrive.
	RetransmitTimeout time.Duration

	// MinRTO floors the retransmission timeout.
	MinRTO time.Duration

	// MaxRetries is the per-segment retransmission cap. At the cap the
	// connection closes with a transport failure.
	MaxRetries uint32

	// ReorderWindow, when positive, buffers N outgoing frames and
	// emits them in reverse order. Deterministic reordering for tests.
	ReorderWindow int

	// MaxFrameLen, when positive, bounds a Send payload.
	MaxFrameLen int

	// Plane, when non-nil, supplies multipath scheduling and the MPR
	// retransmit-on-alternate-path policy. The endpoint takes
	// ownership; the plane must not be shared.
	Plane *multipath.Plane

	// Records, when non-nil, pads and seals every outbound frame and
	// opens every inbound record at the wire boundary. The endpoint
	// takes ownership of the pipeline's sessions.
	Records *RecordPipeline
}

// DefaultConfig returns endpoint defaults matching the transport
// profile: window 32, RTO 250 ms, 8 retries.
func DefaultConfig(streamID uint32) Config {
	return Config{
		StreamID:          streamID,
		MaxInflight:       32,
		RetransmitTimeout: 250 * time.Millisecond,
		MinRTO:            flow.DefaultMinRTO,
		MaxRetries:        8,
	}
}

// -------------------------------------------------------------------------
// Wire
// -------------------------------------------------------------------------

// WireMsg is one encoded frame in flight on the simulated or real
// link, tagged with the path it was scheduled onto.
type WireMsg struct {
	Bytes []byte
	Path  multipath.PathID
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

type cmdKind uint8

const (
	cmdSend cmdKind = iota + 1
	cmdRecv
	cmdClose
)

type command struct {
	kind cmdKind
	data []byte

	// done receives the outcome for send/close.
	done chan error

	// recvReply receives the payload for recv; nil payload with ok
	// false signals end of stream.
	recvReply chan recvResult
}

type recvResult struct {
	data []byte
	ok   bool
}

// -------------------------------------------------------------------------
// Handle
// -------------------------------------------------------------------------

// Handle is the application-facing side of an endpoint. All methods
// funnel through the endpoint's command channel; the endpoint task
// owns every piece of mutable state.
type Handle struct {
	cmds chan command
	done chan struct{}
}

// Send queues payload for transmission. Blocks while the congestion
// window is closed (back-pressure). Fails with ErrPayloadTooLarge for
// oversize payloads and ErrEndpointClosed after close.
func (h *Handle) Send(ctx context.Context, payload []byte) error {
	cmd := command{kind: cmdSend, data: payload, done: make(chan error, 1)}
	select {
	case h.cmds <- cmd:
	case <-h.done:
		return ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-h.done:
		return ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next in-order payload. ok is false after the
// remote side closed and the queue drained. A cancelled Recv detaches
// without losing queued bytes.
func (h *Handle) Recv(ctx context.Context) ([]byte, bool, error) {
	cmd := command{kind: cmdRecv, recvReply: make(chan recvResult, 1)}
	select {
	case h.cmds <- cmd:
	case <-h.done:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case res := <-cmd.recvReply:
		return res.data, res.ok, nil
	case <-h.done:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close finishes the local direction: flushes any reorder buffer,
// emits a Close frame, and transitions the stream state. The endpoint
// exits once both directions are closed.
func (h *Handle) Close(ctx context.Context) error {
	cmd := command{kind: cmdClose, done: make(chan error, 1)}
	select {
	case h.cmds <- cmd:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the endpoint task has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// -------------------------------------------------------------------------
// Endpoint
// -------------------------------------------------------------------------

// inflightEntry tracks one sent, unacknowledged frame.
type inflightEntry struct {
	frame    frame.Frame
	lastSent time.Time
	retries  uint32
	lastPath multipath.PathID
}

// Endpoint is the single task owning all state for its stream: the
// send window, inflight map, RTT estimator, receive reassembly, and
// the stream FSM. Everything mutable is confined to the Run goroutine.
type Endpoint struct {
	cfg    Config
	logger *slog.Logger

	cmds    chan command
	wireOut chan<- WireMsg
	wireIn  <-chan WireMsg
	done    chan struct{}

	state   State
	nextSeq uint64

	inflight     map[uint64]*inflightEntry
	inflightKeys []uint64

	fc  *flow.Controller
	rtt *flow.RTTEstimator

	rxQueue     [][]byte
	pendingRx   *multipath.ReorderBuffer
	recvWaiters []chan recvResult

	pendingSends []command

	reorderBuf []WireMsg

	closedLocal  bool
	closedRemote bool
	failure      error

	sentFrames  uint64
	ackedFrames uint64
	retransmits uint64
}

// New creates an endpoint over the given wire channels. Run must be
// started on its own goroutine; the returned Handle is the only safe
// way to interact with the endpoint.
func New(cfg Config, wireOut chan<- WireMsg, wireIn <-chan WireMsg, logger *slog.Logger) (*Endpoint, *Handle) {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.RetransmitTimeout <= 0 {
		cfg.RetransmitTimeout = 250 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 8
	}

	e := &Endpoint{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "stream.endpoint"), slog.Uint64("stream_id", uint64(cfg.StreamID))),
		cmds:     make(chan command, cmdChSize),
		wireOut:  wireOut,
		wireIn:   wireIn,
		done:     make(chan struct{}),
		state:    StateIdle,
		nextSeq:  1,
		inflight: make(map[uint64]*inflightEntry),
		fc:       flow.NewController(cfg.MaxInflight, cfg.MaxInflight*4),
		rtt:      flow.NewRTTEstimator(cfg.RetransmitTimeout, cfg.MinRTO),
		// Receive sequences start at 1; entries older than four RTOs
		// are surrendered as losses upstream.
		pendingRx: multipath.NewReorderBuffer(1, multipath.DefaultReorderCapacity, 4*cfg.RetransmitTimeout),
	}
	return e, &Handle{cmds: e.cmds, done: e.done}
}

// Pair wires two endpoints back-to-back over in-memory channels and
// starts both tasks. Used by tests and local loopback.
func Pair(ctx context.Context, cfgA, cfgB Config, logger *slog.Logger) (*Handle, *Handle) {
	if cfgB.StreamID == cfgA.StreamID {
		cfgB.StreamID = cfgA.StreamID + 1
	}

	ab := make(chan WireMsg, wireChSize)
	ba := make(chan WireMsg, wireChSize)

	ea, ha := New(cfgA, ab, ba, logger)
	eb, hb := New(cfgB, ba, ab, logger)

	go ea.Run(ctx)
	go eb.Run(ctx)

	return ha, hb
}

// State returns the stream FSM state. Only meaningful from the
// endpoint goroutine or after Done.
func (e *Endpoint) State() State { return e.state }

// Failure returns the terminal failure, if any, after Done.
func (e *Endpoint) Failure() error { return e.failure }

// Stats returns cumulative frame counters. Only stable after Done.
func (e *Endpoint) Stats() (sent, acked, retransmits uint64) {
	return e.sentFrames, e.ackedFrames, e.retransmits
}

// -------------------------------------------------------------------------
// Main Loop
// -------------------------------------------------------------------------

// Run executes the endpoint task until both directions close, a
// terminal failure occurs, or ctx is cancelled. All sends, receives,
// retransmissions, and state transitions happen here; nothing else
// touches endpoint state.
func (e *Endpoint) Run(ctx context.Context) {
	defer close(e.done)
	defer e.drainWaiters()

	rtoTimer := time.NewTimer(e.rtt.RTO())
	defer rtoTimer.Stop()

	for {
		// 1. Retransmit the oldest overdue inflight entry, if any.
		e.checkRetransmit(ctx)
		if e.failure != nil {
			return
		}

		// 2. Flush queued sends while the window is open.
		e.flushSends(ctx)

		// 3. Serve parked receivers from the rx queue.
		e.serveWaiters()

		if e.closedLocal && e.closedRemote {
			return
		}

		resetTimer(rtoTimer, e.nextWake())

		select {
		case <-ctx.Done():
			return

		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)

		case msg, ok := <-e.wireIn:
			if !ok {
				e.closedRemote = true
				continue
			}
			e.handleWire(ctx, msg)

		case <-rtoTimer.C:
			// Fall through: the retransmit check at loop top runs next.
		}
	}
}

// nextWake computes the sleep bound: the earliest inflight deadline,
// or the RTO when nothing is inflight.
func (e *Endpoint) nextWake() time.Duration {
	rto := e.rtt.RTO()
	if len(e.inflightKeys) == 0 {
		return rto
	}
	oldest := e.inflight[e.inflightKeys[0]]
	wait := time.Until(oldest.lastSent.Add(rto))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// drainWaiters releases parked receivers with end-of-stream.
func (e *Endpoint) drainWaiters() {
	for _, w := range e.recvWaiters {
		w <- recvResult{}
	}
	e.recvWaiters = nil
	for _, cmd := range e.pendingSends {
		cmd.done <- ErrEndpointClosed
	}
	e.pendingSends = nil
}

// -------------------------------------------------------------------------
// Retransmission
// -------------------------------------------------------------------------

// checkRetransmit resends the oldest inflight frame whose age crossed
// the RTO. Per the MPR policy, the retransmit goes over an alternate
// path when the plane is configured for it. Retry exhaustion is a
// transport failure that closes the connection.
func (e *Endpoint) checkRetransmit(ctx context.Context) {
	if len(e.inflightKeys) == 0 {
		return
	}
	seq := e.inflightKeys[0]
	entry := e.inflight[seq]
	if time.Since(entry.lastSent) < e.rtt.RTO() {
		return
	}

	if entry.retries >= e.cfg.MaxRetries {
		e.failure = fmt.Errorf("seq %d after %d retries: %w", seq, entry.retries, ErrRetriesExhausted)
		e.logger.Error("closing connection: transport failure",
			slog.Uint64("seq", seq),
			slog.Uint64("retries", uint64(entry.retries)),
		)
		e.emitClose(ctx)
		e.closedLocal = true
		e.closedRemote = true
		return
	}

	lossPath := entry.lastPath
	path := entry.lastPath
	if e.cfg.Plane != nil && e.cfg.Plane.RetransmitOnNewPath() {
		if alt, err := e.cfg.Plane.SelectAlternate(entry.lastPath); err == nil {
			path = alt
		}
	}

	e.emitFrame(ctx, entry.frame, path)
	entry.lastSent = time.Now()
	entry.retries++
	entry.lastPath = path
	e.retransmits++

	// Timeout is a loss signal for the window, the RTO backoff, and
	// the standing of the path that lost the frame.
	e.fc.OnLoss()
	e.rtt.OnTimeout()
	if e.cfg.Plane != nil {
		_ = e.cfg.Plane.OnLoss(lossPath)
	}
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

func (e *Endpoint) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSend:
		e.handleSend(cmd)
	case cmdRecv:
		e.handleRecv(cmd)
	case cmdClose:
		e.handleClose(ctx, cmd)
	}
}

func (e *Endpoint) handleSend(cmd command) {
	if e.closedLocal {
		cmd.done <- ErrEndpointClosed
		return
	}
	if e.cfg.MaxFrameLen > 0 && len(cmd.data) > e.cfg.MaxFrameLen {
		cmd.done <- fmt.Errorf("send %d bytes over cap %d: %w",
			len(cmd.data), e.cfg.MaxFrameLen, ErrPayloadTooLarge)
		return
	}
	// Queue; flushSends emits as the window allows. The reply is held
	// until emission, which is the back-pressure.
	e.pendingSends = append(e.pendingSends, cmd)
}

// flushSends emits queued sends while the congestion window is open.
func (e *Endpoint) flushSends(ctx context.Context) {
	for len(e.pendingSends) > 0 && e.fc.CanSend(len(e.inflight)) && !e.closedLocal {
		cmd := e.pendingSends[0]
		e.pendingSends = e.pendingSends[1:]

		tr := Apply(e.state, EventLocalSend)
		e.state = tr.To

		f := frame.NewData(e.cfg.StreamID, e.nextSeq, cmd.data)
		e.nextSeq++

		path := e.selectPath()
		e.emitFrame(ctx, f, path)
		e.inflight[f.Header.Seq] = &inflightEntry{
			frame:    f,
			lastSent: time.Now(),
			lastPath: path,
		}
		e.inflightKeys = append(e.inflightKeys, f.Header.Seq)
		e.sentFrames++

		cmd.done <- nil
	}
}

func (e *Endpoint) handleRecv(cmd command) {
	if len(e.rxQueue) > 0 {
		data := e.rxQueue[0]
		e.rxQueue = e.rxQueue[1:]
		cmd.recvReply <- recvResult{data: data, ok: true}
		return
	}
	if e.closedRemote {
		cmd.recvReply <- recvResult{}
		return
	}
	e.recvWaiters = append(e.recvWaiters, cmd.recvReply)
}

// serveWaiters matches queued payloads with parked receivers.
func (e *Endpoint) serveWaiters() {
	for len(e.recvWaiters) > 0 {
		if len(e.rxQueue) > 0 {
			w := e.recvWaiters[0]
			e.recvWaiters = e.recvWaiters[1:]
			w <- recvResult{data: e.rxQueue[0], ok: true}
			e.rxQueue = e.rxQueue[1:]
			continue
		}
		if e.closedRemote {
			w := e.recvWaiters[0]
			e.recvWaiters = e.recvWaiters[1:]
			w <- recvResult{}
			continue
		}
		return
	}
}

func (e *Endpoint) handleClose(ctx context.Context, cmd command) {
	if !e.closedLocal {
		e.emitClose(ctx)
		tr := Apply(e.state, EventLocalClose)
		e.state = tr.To
		e.closedLocal = true
	}
	cmd.done <- nil
}

// emitClose flushes the deterministic reorder buffer and sends the
// Close frame so the peer always observes buffered data first.
func (e *Endpoint) emitClose(ctx context.Context) {
	e.flushReorderBuf(ctx)

	f := frame.NewClose(e.cfg.StreamID, e.nextSeq)
	e.nextSeq++
	e.sendWire(ctx, f, e.selectPath())
}

// -------------------------------------------------------------------------
// Emission
// -------------------------------------------------------------------------

// selectPath asks the plane for the next path; single-path endpoints
// always use path zero.
func (e *Endpoint) selectPath() multipath.PathID {
	if e.cfg.Plane == nil {
		return 0
	}
	id, err := e.cfg.Plane.SelectPath()
	if err != nil {
		return 0
	}
	return id
}

// emitFrame routes a data frame through the deterministic reorder
// buffer when configured, otherwise straight to the wire.
func (e *Endpoint) emitFrame(ctx context.Context, f frame.Frame, path multipath.PathID) {
	if e.cfg.ReorderWindow > 0 {
		encoded, err := e.encodeWire(f, path)
		if err != nil {
			e.logger.Warn("encode failed", slog.String("error", err.Error()))
			return
		}
		e.reorderBuf = append(e.reorderBuf, WireMsg{Bytes: encoded, Path: path})
		if len(e.reorderBuf) >= e.cfg.ReorderWindow {
			e.flushReorderBuf(ctx)
		}
		return
	}
	e.sendWire(ctx, f, path)
}

// encodeWire renders a frame to wire bytes, sealing through the
// record pipeline when configured.
func (e *Endpoint) encodeWire(f frame.Frame, path multipath.PathID) ([]byte, error) {
	encoded, err := f.WithPath(uint8(path)).Append(nil)
	if err != nil {
		return nil, err
	}
	if e.cfg.Records != nil {
		return e.cfg.Records.Seal(encoded)
	}
	return encoded, nil
}

// flushReorderBuf emits buffered frames in reverse order.
func (e *Endpoint) flushReorderBuf(ctx context.Context) {
	for i := len(e.reorderBuf) - 1; i >= 0; i-- {
		select {
		case e.wireOut <- e.reorderBuf[i]:
		case <-ctx.Done():
			e.reorderBuf = nil
			return
		}
	}
	e.reorderBuf = nil
}

func (e *Endpoint) sendWire(ctx context.Context, f frame.Frame, path multipath.PathID) {
	encoded, err := e.encodeWire(f, path)
	if err != nil {
		e.logger.Warn("encode failed, dropping frame", slog.String("error", err.Error()))
		return
	}
	select {
	case e.wireOut <- WireMsg{Bytes: encoded, Path: path}:
		if e.cfg.Plane != nil {
			e.cfg.Plane.OnActivity(path)
		}
	case <-ctx.Done():
	}
}

// -------------------------------------------------------------------------
// Inbound
// -------------------------------------------------------------------------

func (e *Endpoint) handleWire(ctx context.Context, msg WireMsg) {
	wire := msg.Bytes
	if e.cfg.Records != nil {
		opened, err := e.cfg.Records.Open(wire)
		if err != nil {
			// A record that fails to open may be a late packet under a
			// rotated key; the rekey manager's grace path handles that
			// above this layer. Anything else is dropped, not fatal:
			// the AEAD already authenticated nothing.
			e.logger.Debug("dropping unopenable record",
				slog.String("error", err.Error()),
			)
			return
		}
		wire = opened
	}

	f, _, err := frame.Decode(wire)
	if err != nil {
		// Undecodable inbound frame: protocol failure, close the
		// connection.
		e.failure = fmt.Errorf("inbound frame: %w: %w", ErrProtocol, err)
		e.logger.Error("closing connection: protocol failure",
			slog.String("error", err.Error()),
		)
		e.closedRemote = true
		e.closedLocal = true
		return
	}

	switch f.Header.Type {
	case frame.TypeData:
		e.handleData(ctx, f, msg.Path)
	case frame.TypeAck:
		e.handleAck(ctx, f)
	case frame.TypeClose:
		tr := Apply(e.state, EventRemoteClose)
		e.state = tr.To
		e.closedRemote = true
	default:
		e.logger.Debug("ignoring frame", slog.String("type", f.Header.Type.String()))
	}
}

func (e *Endpoint) handleData(ctx context.Context, f frame.Frame, path multipath.PathID) {
	tr := Apply(e.state, EventRemoteData)
	e.state = tr.To

	if e.cfg.Plane != nil {
		e.cfg.Plane.OnActivity(path)
	}

	// Per-connection in-order reassembly; stale duplicates drop inside
	// the buffer, which makes duplicate delivery idempotent.
	for _, data := range e.pendingRx.Insert(f.Header.Seq, f.Payload, time.Now()) {
		e.rxQueue = append(e.rxQueue, data)
	}

	// Ack every received data frame by its own sequence.
	ack := frame.NewAck(e.cfg.StreamID, f.Header.Seq)
	e.sendWire(ctx, ack, path)
}

func (e *Endpoint) handleAck(ctx context.Context, f frame.Frame) {
	seq := f.Header.Seq
	entry, ok := e.inflight[seq]
	if !ok {
		// Duplicate ack: a loss hint. Fast-retransmit the oldest
		// outstanding segment when the duplicate threshold fires.
		if e.fc.OnDuplicateAck(seq) && len(e.inflightKeys) > 0 {
			oldestSeq := e.inflightKeys[0]
			oldest := e.inflight[oldestSeq]
			if e.fc.ShouldRetransmit(oldestSeq, oldest.retries) && oldest.retries < e.cfg.MaxRetries {
				e.emitFrame(ctx, oldest.frame, oldest.lastPath)
				oldest.retries++
				e.retransmits++
				if e.cfg.Plane != nil {
					_ = e.cfg.Plane.OnLoss(oldest.lastPath)
				}
			}
		}
		return
	}

	delete(e.inflight, seq)
	e.removeInflightKey(seq)
	e.ackedFrames++
	e.fc.OnAck(seq)

	// Karn: only never-retransmitted segments produce RTT samples.
	if entry.retries == 0 {
		sample := time.Since(entry.lastSent)
		e.rtt.OnSample(sample)
		if e.cfg.Plane != nil {
			_ = e.cfg.Plane.UpdateMetrics(entry.lastPath, multipath.Metrics{
				RTT:     sample,
				Quality: 1.0,
			})
		}
	}
}

func (e *Endpoint) removeInflightKey(seq uint64) {
	for i, k := range e.inflightKeys {
		if k == seq {
			e.inflightKeys = append(e.inflightKeys[:i], e.inflightKeys[i+1:]...)
			return
		}
	}
}
