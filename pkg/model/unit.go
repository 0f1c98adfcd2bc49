package model

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the variant of a message unit
type Kind string

const (
	KindUserMessage Kind = "UserMessage"
	KindReceipt     Kind = "Receipt"
	KindError       Kind = "ErrorMessage"
	KindPullRequest Kind = "PullRequest"
)

// Valid reports whether k is one of the four message unit kinds
func (k Kind) Valid() bool {
	switch k {
	case KindUserMessage, KindReceipt, KindError, KindPullRequest:
		return true
	}
	return false
}

// Direction indicates whether a message unit was received or is sent
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

var (
	// ErrCoreIDAssigned is returned when a core id is assigned twice
	ErrCoreIDAssigned = errors.New("core id already assigned")
	// ErrUnknownKind is returned for an unsupported message unit kind
	ErrUnknownKind = errors.New("unknown message unit kind")
)

// View is the read-only contract shared by every message unit, complete or
// partially loaded.
type View interface {
	Kind() Kind
	CoreID() string
	MessageID() string
	RefToMessageID() string
	Direction() Direction
	PModeID() string
	Timestamp() time.Time
	CurrentState() ProcessingState
	StateSince() time.Time
	TimeInState(now time.Time) time.Duration
	History() []StateEntry

	base() *Unit
}

// MessageUnit is a completely loaded message unit: one of *UserMessage,
// *Receipt, *ErrorMessage or *PullRequest.
type MessageUnit interface {
	View
	cloneUnit() MessageUnit
}

// Unit holds the fields shared by all message units
type Unit struct {
	coreID         string
	messageID      string
	refToMessageID string
	direction      Direction
	pmodeID        string
	timestamp      time.Time
	states         StateHistory
}

func (u *Unit) base() *Unit { return u }

// CoreID returns the internal identity, empty until the unit is stored
func (u *Unit) CoreID() string { return u.coreID }

// MessageID returns the protocol level identifier
func (u *Unit) MessageID() string { return u.messageID }

// SetMessageID sets the protocol level identifier
func (u *Unit) SetMessageID(id string) { u.messageID = id }

// RefToMessageID returns the message id this unit responds to
func (u *Unit) RefToMessageID() string { return u.refToMessageID }

// SetRefToMessageID sets the message id this unit responds to
func (u *Unit) SetRefToMessageID(id string) { u.refToMessageID = id }

// Direction returns whether the unit is received or sent
func (u *Unit) Direction() Direction { return u.direction }

// SetDirection sets the direction
func (u *Unit) SetDirection(d Direction) { u.direction = d }

// PModeID returns the id of the governing P-Mode, empty when not resolved
func (u *Unit) PModeID() string { return u.pmodeID }

// SetPModeID sets the governing P-Mode id
func (u *Unit) SetPModeID(id string) { u.pmodeID = id }

// Timestamp returns the business creation time of the unit
func (u *Unit) Timestamp() time.Time { return u.timestamp }

// SetTimestamp sets the business creation time
func (u *Unit) SetTimestamp(t time.Time) { u.timestamp = t }

// CurrentState returns the last entry of the processing state history
func (u *Unit) CurrentState() ProcessingState { return u.states.Current() }

// StateSince returns when the current state was entered
func (u *Unit) StateSince() time.Time { return u.states.Since() }

// TimeInState returns the time spent in the current state at now
func (u *Unit) TimeInState(now time.Time) time.Duration { return u.states.Duration(now) }

// History returns a copy of the processing state history
func (u *Unit) History() []StateEntry { return u.states.Entries() }

// TransmissionCount returns the number of SENDING entries in the history
func (u *Unit) TransmissionCount() int { return u.states.Count(StateSending) }

func (u *Unit) copyFrom(src *Unit) {
	*u = Unit{
		coreID:         src.coreID,
		messageID:      src.messageID,
		refToMessageID: src.refToMessageID,
		direction:      src.direction,
		pmodeID:        src.pmodeID,
		timestamp:      src.timestamp,
	}
	u.states.entries = src.states.Entries()
}

// AssignCoreID sets the core id of a unit that does not have one yet.
// It is used by storage managers when a unit is first persisted.
func AssignCoreID(v View, coreID string) error {
	if coreID == "" {
		return errors.New("empty core id")
	}
	u := v.base()
	if u.coreID != "" {
		return fmt.Errorf("%w: %s", ErrCoreIDAssigned, u.coreID)
	}
	u.coreID = coreID
	return nil
}

// RecordState appends a processing state to the unit's history and returns
// the stored entry.
func RecordState(v View, state ProcessingState, at time.Time) StateEntry {
	return v.base().states.Append(state, at)
}

// RecordPModeID sets the P-Mode id on a unit after storage recorded it
func RecordPModeID(v View, pmodeID string) {
	v.base().pmodeID = pmodeID
}

// Restore sets the identity and complete state history of a unit loaded
// from storage, replacing whatever the unit held before.
func Restore(v View, coreID string, history []StateEntry) {
	u := v.base()
	u.coreID = coreID
	u.states.replace(history)
}

// New returns an empty message unit of the given kind
func New(kind Kind) (MessageUnit, error) {
	switch kind {
	case KindUserMessage:
		return NewUserMessage(), nil
	case KindReceipt:
		return NewReceipt(), nil
	case KindError:
		return NewErrorMessage(), nil
	case KindPullRequest:
		return NewPullRequest(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Clone returns a deep copy of mu including identity and history
func Clone(mu MessageUnit) MessageUnit {
	if mu == nil {
		return nil
	}
	return mu.cloneUnit()
}

// CopyForStorage returns a deep copy of mu without core id and state
// history. Storage managers use it to turn a transient unit into a new
// persistable entity.
func CopyForStorage(mu MessageUnit) MessageUnit {
	cp := Clone(mu)
	if cp == nil {
		return nil
	}
	u := cp.base()
	u.coreID = ""
	u.states = StateHistory{}
	return cp
}

// Summary is a partially loaded message unit: base fields and the current
// processing state only. Its History holds at most the current entry.
type Summary struct {
	Unit
	kind Kind
}

// NewSummary returns an empty summary of the given kind
func NewSummary(kind Kind) *Summary {
	return &Summary{kind: kind}
}

// Kind returns the variant of the summarized unit
func (s *Summary) Kind() Kind { return s.kind }

// Summarize returns a summary of v carrying its base fields and current state
func Summarize(v View) *Summary {
	s := &Summary{kind: v.Kind()}
	s.Unit.copyFrom(v.base())
	if n := len(s.states.entries); n > 1 {
		s.states.entries = s.states.entries[n-1:]
	}
	return s
}
