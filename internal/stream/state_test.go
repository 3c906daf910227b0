package stream_test

import (
	"testing"

	"github.com/seleniaproject/nyxd/internal/stream"
)

// TestFSMTransitionTable verifies every meaningful transition of the
// stream lifecycle FSM, including no-op events.
func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       stream.State
		event       stream.Event
		wantState   stream.State
		wantChanged bool
	}{
		// Idle
		{"Idle+LocalSend->Open", stream.StateIdle, stream.EventLocalSend, stream.StateOpen, true},
		{"Idle+RemoteData->Open", stream.StateIdle, stream.EventRemoteData, stream.StateOpen, true},
		{"Idle+LocalClose->Closed", stream.StateIdle, stream.EventLocalClose, stream.StateClosed, true},
		{"Idle+RemoteClose->Closed", stream.StateIdle, stream.EventRemoteClose, stream.StateClosed, true},
		{"Idle+LocalFinish ignored", stream.StateIdle, stream.EventLocalFinish, stream.StateIdle, false},

		// Open
		{"Open+LocalFinish->HalfClosedLocal", stream.StateOpen, stream.EventLocalFinish, stream.StateHalfClosedLocal, true},
		{"Open+RemoteFin->HalfClosedRemote", stream.StateOpen, stream.EventRemoteFin, stream.StateHalfClosedRemote, true},
		{"Open+LocalClose->Closed", stream.StateOpen, stream.EventLocalClose, stream.StateClosed, true},
		{"Open+RemoteClose->Closed", stream.StateOpen, stream.EventRemoteClose, stream.StateClosed, true},
		{"Open+LocalSend self-loop", stream.StateOpen, stream.EventLocalSend, stream.StateOpen, false},
		{"Open+RemoteData self-loop", stream.StateOpen, stream.EventRemoteData, stream.StateOpen, false},

		// HalfClosedLocal
		{"HCL+RemoteFin->Closed", stream.StateHalfClosedLocal, stream.EventRemoteFin, stream.StateClosed, true},
		{"HCL+RemoteClose->Closed", stream.StateHalfClosedLocal, stream.EventRemoteClose, stream.StateClosed, true},
		{"HCL+LocalClose->Closed", stream.StateHalfClosedLocal, stream.EventLocalClose, stream.StateClosed, true},
		{"HCL+LocalSend ignored", stream.StateHalfClosedLocal, stream.EventLocalSend, stream.StateHalfClosedLocal, false},

		// HalfClosedRemote
		{"HCR+LocalFinish->Closed", stream.StateHalfClosedRemote, stream.EventLocalFinish, stream.StateClosed, true},
		{"HCR+LocalClose->Closed", stream.StateHalfClosedRemote, stream.EventLocalClose, stream.StateClosed, true},
		{"HCR+RemoteClose->Closed", stream.StateHalfClosedRemote, stream.EventRemoteClose, stream.StateClosed, true},
		{"HCR+RemoteFin ignored", stream.StateHalfClosedRemote, stream.EventRemoteFin, stream.StateHalfClosedRemote, false},

		// Closed: everything is ignored.
		{"Closed+LocalSend ignored", stream.StateClosed, stream.EventLocalSend, stream.StateClosed, false},
		{"Closed+RemoteData ignored", stream.StateClosed, stream.EventRemoteData, stream.StateClosed, false},
		{"Closed+LocalClose ignored", stream.StateClosed, stream.EventLocalClose, stream.StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := stream.Apply(tt.state, tt.event)
			if tr.To != tt.wantState {
				t.Errorf("state: got %v, want %v", tr.To, tt.wantState)
			}
			if tr.Changed != tt.wantChanged {
				t.Errorf("changed: got %v, want %v", tr.Changed, tt.wantChanged)
			}
			if tr.From != tt.state {
				t.Errorf("from: got %v, want %v", tr.From, tt.state)
			}
		})
	}
}

func TestStateDirectionPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state   stream.State
		canSend bool
		canRecv bool
	}{
		{stream.StateIdle, true, true},
		{stream.StateOpen, true, true},
		{stream.StateHalfClosedLocal, false, true},
		{stream.StateHalfClosedRemote, true, false},
		{stream.StateClosed, false, false},
	}

	for _, tt := range tests {
		if got := tt.state.CanSend(); got != tt.canSend {
			t.Errorf("%v.CanSend: got %v, want %v", tt.state, got, tt.canSend)
		}
		if got := tt.state.CanRecv(); got != tt.canRecv {
			t.Errorf("%v.CanRecv: got %v, want %v", tt.state, got, tt.canRecv)
		}
	}
}
