// Package stream implements the Nyx reliable stream layer: the stream
// lifecycle state machine and the single-task endpoint that serializes
// all send/receive/retransmit state for its streams.
package stream

// This file implements the stream lifecycle FSM as a pure function
// over a transition table -- no side effects, no Endpoint dependency.
//
// State diagram:
//
//	            LocalSend / RemoteData
//	      Idle ------------------------> Open
//	                                      |
//	            LocalFinish               | RemoteFin
//	      +-------------------------------+-----------------+
//	      v                                                  v
//	HalfClosedLocal                                  HalfClosedRemote
//	      |  RemoteFin / RemoteClose        LocalFinish /    |
//	      |                                 LocalClose       |
//	      +--------------------> Closed <--------------------+

// State is the stream lifecycle state.
type State uint8

const (
	// StateIdle is the initial state: no bytes sent or received.
	StateIdle State = iota

	// StateOpen indicates bidirectional transfer in progress.
	StateOpen

	// StateHalfClosedLocal indicates the local side finished sending
	// but still expects remote data.
	StateHalfClosedLocal

	// StateHalfClosedRemote indicates the remote side finished sending
	// but the local side may still send.
	StateHalfClosedRemote

	// StateClosed indicates both directions are finished.
	StateClosed
)

// stateNames maps states to human-readable strings.
var stateNames = [5]string{
	"Idle",
	"Open",
	"HalfClosedLocal",
	"HalfClosedRemote",
	"Closed",
}

// String returns the human-readable state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Event is a stream lifecycle event.
type Event uint8

const (
	// EventLocalSend is the first local send on the stream.
	EventLocalSend Event = iota

	// EventLocalFinish marks the local side done sending (FIN).
	EventLocalFinish

	// EventLocalClose is an explicit local close of both directions.
	EventLocalClose

	// EventRemoteData is the first received data on the stream.
	EventRemoteData

	// EventRemoteFin marks the remote side done sending.
	EventRemoteFin

	// EventRemoteClose is a received Close frame.
	EventRemoteClose
)

// String returns the human-readable event name.
func (e Event) String() string {
	switch e {
	case EventLocalSend:
		return "LocalSend"
	case EventLocalFinish:
		return "LocalFinish"
	case EventLocalClose:
		return "LocalClose"
	case EventRemoteData:
		return "RemoteData"
	case EventRemoteFin:
		return "RemoteFin"
	case EventRemoteClose:
		return "RemoteClose"
	default:
		return "Unknown"
	}
}

// stateEvent is the FSM transition table key.
type stateEvent struct {
	state State
	event Event
}

// Transition is the outcome of applying an event to a state.
type Transition struct {
	// From is the state before the event.
	From State

	// To is the state after the event. Equal to From when the event
	// does not apply.
	To State

	// Changed is true when To differs from From.
	Changed bool
}

// fsmTable is the stream FSM transition table. Unlisted (state, event)
// pairs are no-ops: the event is ignored and the state unchanged.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]State{
	// Idle: the stream materializes lazily on first traffic.
	{StateIdle, EventLocalSend}:   StateOpen,
	{StateIdle, EventRemoteData}:  StateOpen,
	{StateIdle, EventLocalClose}:  StateClosed,
	{StateIdle, EventRemoteClose}: StateClosed,

	// Open: either side may finish its direction.
	{StateOpen, EventLocalFinish}: StateHalfClosedLocal,
	{StateOpen, EventRemoteFin}:   StateHalfClosedRemote,
	{StateOpen, EventLocalClose}:  StateClosed,
	{StateOpen, EventRemoteClose}: StateClosed,

	// HalfClosedLocal: only the remote direction remains.
	{StateHalfClosedLocal, EventRemoteFin}:   StateClosed,
	{StateHalfClosedLocal, EventRemoteClose}: StateClosed,
	{StateHalfClosedLocal, EventLocalClose}:  StateClosed,

	// HalfClosedRemote: only the local direction remains.
	{StateHalfClosedRemote, EventLocalFinish}: StateClosed,
	{StateHalfClosedRemote, EventLocalClose}:  StateClosed,
	{StateHalfClosedRemote, EventRemoteClose}: StateClosed,
}

// Apply applies an event to the current state and returns the
// transition. This is a pure function; the endpoint executes any side
// effects (frame emission, notification) based on the result.
func Apply(current State, event Event) Transition {
	next, ok := fsmTable[stateEvent{state: current, event: event}]
	if !ok {
		return Transition{From: current, To: current, Changed: false}
	}
	return Transition{From: current, To: next, Changed: current != next}
}

// CanSend reports whether the local side may still send in this state.
func (s State) CanSend() bool {
	switch s {
	case StateIdle, StateOpen, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

// CanRecv reports whether remote data is still expected in this state.
func (s State) CanRecv() bool {
	switch s {
	case StateIdle, StateOpen, StateHalfClosedLocal:
		return true
	default:
		return false
	}
}
