// Package storage defines the persistence contracts for ebMS message units.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [QueryManager]: the read path used to find and load message units
//   - [Manager]: the write path that stores units and appends processing states
//
// The [Store] interface combines both for convenience.
//
// # Partial Loading
//
// Sweep queries ([QueryManager.MessageUnitsInState],
// [QueryManager.MessageUnitsWithLastStateChangeBefore] and
// [QueryManager.MessageUnitsForPModesInState]) return [model.View] values
// that may be partially loaded ([*model.Summary]). Variant data is only
// reachable through [QueryManager.EnsureCompletelyLoaded], which always
// reloads from the store and therefore discards local modifications.
//
// # Implementations
//
// The internal/storage sub-packages provide in-memory, SQLite and MongoDB
// implementations. All of them pass the same conformance suite.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines. Duplicate detection and the final delivery transition for a
// messageId are serialized with [Manager.LockMessageID].
package storage

import (
	"context"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// Store is the main storage interface combining the query and write sides
type Store interface {
	QueryManager
	Manager

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// QueryManager is the read path of the storage layer. Every method either
// returns its complete documented result or fails with an error wrapping
// ErrStorageFailure.
type QueryManager interface {
	// MessageUnitsInState returns units of kind in direction whose current
	// state is one of states, oldest Timestamp first. Results may be
	// partially loaded.
	MessageUnitsInState(ctx context.Context, kind model.Kind, direction model.Direction, states []model.ProcessingState) ([]model.View, error)

	// MessageUnitsWithID returns all units carrying messageID, optionally
	// restricted to the given directions. Results are completely loaded.
	MessageUnitsWithID(ctx context.Context, messageID string, directions ...model.Direction) ([]model.View, error)

	// MessageUnitsWithLastStateChangeBefore returns units whose last state
	// change happened at or before cutoff. Results may be partially loaded.
	MessageUnitsWithLastStateChangeBefore(ctx context.Context, cutoff time.Time) ([]model.View, error)

	// MessageUnitsForPModesInState returns units of kind governed by one of
	// pmodeIDs and currently in state, longest waiting first. Ties are
	// broken by ascending core id. Results may be partially loaded.
	MessageUnitsForPModesInState(ctx context.Context, kind model.Kind, pmodeIDs []string, state model.ProcessingState) ([]model.View, error)

	// EnsureCompletelyLoaded reloads v from the store and returns the
	// complete entity. Local changes to v that were not saved are lost.
	EnsureCompletelyLoaded(ctx context.Context, v model.View) (model.MessageUnit, error)

	// NumberOfTransmissions returns how often the stored history of the
	// user message v contains the SENDING state.
	NumberOfTransmissions(ctx context.Context, v model.View) (int, error)

	// IsAlreadyProcessed reports whether a received user message with the
	// messageId of v is currently DELIVERED or FAILURE. Callers that act on
	// the answer must hold the lock from LockMessageID.
	IsAlreadyProcessed(ctx context.Context, v model.View) (bool, error)

	// MessageUnitWithCoreID returns the unit with the given core id, or
	// nil, nil when there is none.
	MessageUnitWithCoreID(ctx context.Context, coreID string) (model.MessageUnit, error)

	// RelatedTo returns the sorted core ids of the units linked to the unit
	// with coreID through refToMessageId or refToMessageInError.
	RelatedTo(ctx context.Context, coreID string) ([]string, error)
}

// Manager is the write path of the storage layer
type Manager interface {
	// StoreIncomingMessageUnit persists a copy of a received unit in state
	// RECEIVED and returns the stored entity.
	StoreIncomingMessageUnit(ctx context.Context, mu model.MessageUnit) (model.MessageUnit, error)

	// StoreOutgoingMessageUnit persists a copy of a unit to be sent. User
	// messages start in SUBMITTED, signals in CREATED.
	StoreOutgoingMessageUnit(ctx context.Context, mu model.MessageUnit) (model.MessageUnit, error)

	// SetProcessingState appends state to the stored history of v and
	// mirrors the append into v.
	SetProcessingState(ctx context.Context, v model.View, state model.ProcessingState) error

	// CompareAndSetProcessingState appends state only when the stored
	// current state equals expected. It reports whether the append happened.
	CompareAndSetProcessingState(ctx context.Context, v model.View, expected, state model.ProcessingState) (bool, error)

	// SetPModeID records the P-Mode governing the stored unit v
	SetPModeID(ctx context.Context, v model.View, pmodeID string) error

	// LockMessageID acquires the exclusive processing lock for messageID.
	// It blocks until the lock is free or ctx is done.
	LockMessageID(ctx context.Context, messageID string) (func(), error)
}

// InitialState returns the state a newly stored unit starts in
func InitialState(kind model.Kind, direction model.Direction) model.ProcessingState {
	if direction == model.DirectionIn {
		return model.StateReceived
	}
	if kind == model.KindUserMessage {
		return model.StateSubmitted
	}
	return model.StateCreated
}

// IsProcessedState reports whether a received user message in state s
// counts as already processed for duplicate detection
func IsProcessedState(s model.ProcessingState) bool {
	return s == model.StateDelivered || s == model.StateFailure
}
