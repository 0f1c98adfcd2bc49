package model

import "time"

// ProcessingState is a point in the lifecycle of a message unit
type ProcessingState string

const (
	StateCreated          ProcessingState = "CREATED"
	StateSubmitted        ProcessingState = "SUBMITTED"
	StateReceived         ProcessingState = "RECEIVED"
	StateProcessing       ProcessingState = "PROCESSING"
	StateDuplicate        ProcessingState = "DUPLICATE"
	StateReadyForDelivery ProcessingState = "READY_FOR_DELIVERY"
	StateOutForDelivery   ProcessingState = "OUT_FOR_DELIVERY"
	StateDelivered        ProcessingState = "DELIVERED"
	StateDeliveryFailed   ProcessingState = "DELIVERY_FAILED"
	StateReadyToPush      ProcessingState = "READY_TO_PUSH"
	StateAwaitingPull     ProcessingState = "AWAITING_PULL"
	StateSending          ProcessingState = "SENDING"
	StateTransportFailure ProcessingState = "TRANSPORT_FAILURE"
	StateAwaitingReceipt  ProcessingState = "AWAITING_RECEIPT"
	StateWarning          ProcessingState = "WARNING"
	StateFailure          ProcessingState = "FAILURE"
	StateDone             ProcessingState = "DONE"
	StateSuspended        ProcessingState = "SUSPENDED"
)

var knownStates = map[ProcessingState]bool{
	StateCreated: true, StateSubmitted: true, StateReceived: true, StateProcessing: true,
	StateDuplicate: true, StateReadyForDelivery: true, StateOutForDelivery: true,
	StateDelivered: true, StateDeliveryFailed: true, StateReadyToPush: true,
	StateAwaitingPull: true, StateSending: true, StateTransportFailure: true,
	StateAwaitingReceipt: true, StateWarning: true, StateFailure: true, StateDone: true,
	StateSuspended: true,
}

// Valid reports whether s is one of the defined processing states
func (s ProcessingState) Valid() bool {
	return knownStates[s]
}

// IsTerminal reports whether s ends the processing of a message unit.
// Administrative transitions after a terminal state are still recorded.
func (s ProcessingState) IsTerminal() bool {
	return s == StateDelivered || s == StateFailure
}

// StateEntry is a single entry in a processing state history
type StateEntry struct {
	State ProcessingState `bson:"state" json:"state"`
	At    time.Time       `bson:"at" json:"at"`
}

// StateHistory is the ordered, append-only list of processing states of a
// message unit. The zero value is an empty history.
type StateHistory struct {
	entries []StateEntry
}

// Append adds a state to the history. If at is earlier than the last entry
// it is moved forward to that entry's time so the history stays ordered.
// The stored entry is returned.
func (h *StateHistory) Append(state ProcessingState, at time.Time) StateEntry {
	if n := len(h.entries); n > 0 && at.Before(h.entries[n-1].At) {
		at = h.entries[n-1].At
	}
	e := StateEntry{State: state, At: at}
	h.entries = append(h.entries, e)
	return e
}

// Len returns the number of entries
func (h *StateHistory) Len() int {
	return len(h.entries)
}

// Current returns the current state, or "" for an empty history
func (h *StateHistory) Current() ProcessingState {
	if len(h.entries) == 0 {
		return ""
	}
	return h.entries[len(h.entries)-1].State
}

// Since returns the time the current state was entered
func (h *StateHistory) Since() time.Time {
	if len(h.entries) == 0 {
		return time.Time{}
	}
	return h.entries[len(h.entries)-1].At
}

// Duration returns how long the unit has been in its current state at now.
// It is never negative.
func (h *StateHistory) Duration(now time.Time) time.Duration {
	if len(h.entries) == 0 {
		return 0
	}
	d := now.Sub(h.Since())
	if d < 0 {
		return 0
	}
	return d
}

// Count returns how many times the history contains a transition into state
func (h *StateHistory) Count(state ProcessingState) int {
	n := 0
	for _, e := range h.entries {
		if e.State == state {
			n++
		}
	}
	return n
}

// Entries returns a copy of the history, oldest first
func (h *StateHistory) Entries() []StateEntry {
	if len(h.entries) == 0 {
		return nil
	}
	out := make([]StateEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *StateHistory) replace(entries []StateEntry) {
	h.entries = nil
	for _, e := range entries {
		h.Append(e.State, e.At)
	}
}
