package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seleniaproject/nyxd/internal/frame"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// defaultChannelCapacity is the per-plugin message channel depth.
	defaultChannelCapacity = 256
)

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry holds plugin descriptors in insertion order.
type Registry struct {
	mu    sync.RWMutex
	byID  map[uint32]Descriptor
	order []uint32
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]Descriptor)}
}

// Register validates and stores a descriptor.
// Returns ErrAlreadyRegistered on duplicate ids.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[d.ID]; dup {
		return fmt.Errorf("register plugin %d (%s): %w", d.ID, d.Name, ErrAlreadyRegistered)
	}
	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Unregister removes a descriptor.
func (r *Registry) Unregister(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("unregister plugin %d: %w", id, ErrPluginNotRegistered)
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id uint32) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Message is one dispatched unit delivered to a plugin worker.
type Message struct {
	// FrameType is the plugin frame type that carried the header.
	FrameType frame.Type

	// Header is the decoded plugin header.
	Header Header
}

// Handler consumes dispatched messages for one plugin. Called from
// the plugin's worker goroutine; a slow handler backs up only its own
// plugin's channel.
type Handler func(ctx context.Context, msg Message)

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// loadedPlugin is the per-plugin runtime state the dispatcher owns:
// the bounded channel, sandbox guard, and worker lifecycle.
type loadedPlugin struct {
	desc    Descriptor
	guard   *Guard
	ch      chan Message
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// Dispatcher routes plugin frames to loaded plugin workers with
// permission checks and bounded queues.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	loaded map[uint32]*loadedPlugin
	closed bool

	dispatched uint64
	rejected   uint64
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With(slog.String("component", "plugin.dispatcher")),
		loaded:   make(map[uint32]*loadedPlugin),
	}
}

// LoadOption configures optional Load parameters.
type LoadOption func(*loadedPlugin)

// WithCapacity overrides the plugin's channel capacity.
func WithCapacity(n int) LoadOption {
	return func(p *loadedPlugin) {
		if n > 0 {
			p.ch = make(chan Message, n)
		}
	}
}

// WithGuard overrides the sandbox guard (default LockedDown).
func WithGuard(g *Guard) LoadOption {
	return func(p *loadedPlugin) {
		if g != nil {
			p.guard = g
		}
	}
}

// Load registers (if needed) and loads the plugin: allocates its
// bounded channel and sandbox guard and starts its worker goroutine.
// The worker consumes messages until Unload or dispatcher Close.
func (d *Dispatcher) Load(ctx context.Context, desc Descriptor, handler Handler, opts ...LoadOption) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("load plugin %d: nil handler: %w", desc.ID, ErrInvalidDescriptor)
	}

	if _, ok := d.registry.Get(desc.ID); !ok {
		if err := d.registry.Register(desc); err != nil {
			return err
		}
	}

	p := &loadedPlugin{
		desc:    desc,
		guard:   NewGuard(LockedDown()),
		ch:      make(chan Message, defaultChannelCapacity),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("load plugin %d: %w", desc.ID, ErrDispatcherClosed)
	}
	if _, dup := d.loaded[desc.ID]; dup {
		d.mu.Unlock()
		return fmt.Errorf("load plugin %d: %w", desc.ID, ErrAlreadyRegistered)
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	d.loaded[desc.ID] = p
	d.mu.Unlock()

	go d.runWorker(workerCtx, p)

	d.logger.Info("plugin loaded",
		slog.Uint64("plugin_id", uint64(desc.ID)),
		slog.String("name", desc.Name),
		slog.String("version", desc.Version),
		slog.String("permissions", desc.Permissions.String()),
		slog.Int("capacity", cap(p.ch)),
	)
	return nil
}

// runWorker drains the plugin channel until cancellation, then closes
// the done gate so Unload can join.
func (d *Dispatcher) runWorker(ctx context.Context, p *loadedPlugin) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued so Unload never loses
			// accepted messages.
			for {
				select {
				case msg := <-p.ch:
					p.handler(ctx, msg)
				default:
					return
				}
			}
		case msg := <-p.ch:
			p.handler(ctx, msg)
		}
	}
}

// permissionFor maps a plugin frame type to the permission it requires.
func permissionFor(t frame.Type) (Permission, bool) {
	switch t {
	case frame.TypePluginHandshake:
		return PermReceiveFrames | PermHandshake, true
	case frame.TypePluginData:
		return PermReceiveFrames | PermDataAccess, true
	case frame.TypePluginControl:
		return PermReceiveFrames | PermControl, true
	default:
		return 0, false
	}
}

// Dispatch parses the CBOR plugin header, resolves the target plugin,
// checks the permission matching the frame type, and enqueues the
// message. Blocks while the plugin's channel is full (back-pressure);
// use TryDispatch for the no-wait variant.
func (d *Dispatcher) Dispatch(ctx context.Context, frameType frame.Type, headerBytes []byte) error {
	p, msg, err := d.prepare(frameType, headerBytes)
	if err != nil {
		return err
	}

	select {
	case p.ch <- msg:
		d.mu.Lock()
		d.dispatched++
		d.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch to plugin %d: %w", msg.Header.ID, ctx.Err())
	}
}

// TryDispatch is the no-wait Dispatch variant: a full channel returns
// ErrChannelFull immediately instead of back-pressuring the caller.
func (d *Dispatcher) TryDispatch(frameType frame.Type, headerBytes []byte) error {
	p, msg, err := d.prepare(frameType, headerBytes)
	if err != nil {
		return err
	}

	select {
	case p.ch <- msg:
		d.mu.Lock()
		d.dispatched++
		d.mu.Unlock()
		return nil
	default:
		d.mu.Lock()
		d.rejected++
		d.mu.Unlock()
		return fmt.Errorf("dispatch to plugin %d: %w", msg.Header.ID, ErrChannelFull)
	}
}

// prepare performs the shared parse/lookup/permission steps.
func (d *Dispatcher) prepare(frameType frame.Type, headerBytes []byte) (*loadedPlugin, Message, error) {
	hdr, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, Message{}, err
	}

	required, ok := permissionFor(frameType)
	if !ok {
		return nil, Message{}, fmt.Errorf("dispatch frame type %s: %w", frameType, ErrHeaderDecode)
	}

	d.mu.RLock()
	p, loaded := d.loaded[hdr.ID]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return nil, Message{}, fmt.Errorf("dispatch to plugin %d: %w", hdr.ID, ErrDispatcherClosed)
	}
	if !loaded {
		return nil, Message{}, fmt.Errorf("dispatch to plugin %d: %w", hdr.ID, ErrPluginNotRegistered)
	}
	if !p.desc.Permissions.Has(required) {
		return nil, Message{}, fmt.Errorf("dispatch %s to plugin %d (has %s, needs %s): %w",
			frameType, hdr.ID, p.desc.Permissions, required, ErrPermissionDenied)
	}

	return p, Message{FrameType: frameType, Header: hdr}, nil
}

// Guard returns the sandbox guard of a loaded plugin.
func (d *Dispatcher) Guard(id uint32) (*Guard, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.loaded[id]
	if !ok {
		return nil, fmt.Errorf("guard for plugin %d: %w", id, ErrNotLoaded)
	}
	return p.guard, nil
}

// Unload stops the plugin's worker, waits for it to drain, and drops
// the channel and guard. The descriptor stays registered.
func (d *Dispatcher) Unload(id uint32) error {
	d.mu.Lock()
	p, ok := d.loaded[id]
	if ok {
		delete(d.loaded, id)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("unload plugin %d: %w", id, ErrNotLoaded)
	}

	p.cancel()
	<-p.done

	d.logger.Info("plugin unloaded", slog.Uint64("plugin_id", uint64(id)))
	return nil
}

// Loaded returns the ids of currently loaded plugins.
func (d *Dispatcher) Loaded() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint32, 0, len(d.loaded))
	for id := range d.loaded {
		out = append(out, id)
	}
	return out
}

// Stats returns cumulative dispatch counters.
func (d *Dispatcher) Stats() (dispatched, rejected uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dispatched, d.rejected
}

// Close unloads every plugin and refuses further use.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	loaded := make([]*loadedPlugin, 0, len(d.loaded))
	for _, p := range d.loaded {
		loaded = append(loaded, p)
	}
	d.loaded = make(map[uint32]*loadedPlugin)
	d.mu.Unlock()

	for _, p := range loaded {
		p.cancel()
		<-p.done
	}

	d.logger.Info("plugin dispatcher closed", slog.Int("unloaded", len(loaded)))
}
