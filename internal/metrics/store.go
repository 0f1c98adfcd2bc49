package metrics

import (
	"context"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// Store wraps a storage.Store and records the count and duration of every
// operation
type Store struct {
	next    storage.Store
	metrics *Metrics
}

var _ storage.Store = (*Store)(nil)

// Instrument returns s wrapped with operation metrics
func (m *Metrics) Instrument(s storage.Store) *Store {
	return &Store{next: s, metrics: m}
}

func (s *Store) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}

func (s *Store) Ping(ctx context.Context) (err error) {
	defer func(start time.Time) { s.metrics.observe("ping", start, err) }(time.Now())
	return s.next.Ping(ctx)
}

func (s *Store) StoreIncomingMessageUnit(ctx context.Context, mu model.MessageUnit) (stored model.MessageUnit, err error) {
	defer func(start time.Time) { s.metrics.observe("store_incoming", start, err) }(time.Now())
	return s.next.StoreIncomingMessageUnit(ctx, mu)
}

func (s *Store) StoreOutgoingMessageUnit(ctx context.Context, mu model.MessageUnit) (stored model.MessageUnit, err error) {
	defer func(start time.Time) { s.metrics.observe("store_outgoing", start, err) }(time.Now())
	return s.next.StoreOutgoingMessageUnit(ctx, mu)
}

func (s *Store) SetProcessingState(ctx context.Context, v model.View, state model.ProcessingState) (err error) {
	defer func(start time.Time) { s.metrics.observe("set_state", start, err) }(time.Now())
	return s.next.SetProcessingState(ctx, v, state)
}

func (s *Store) CompareAndSetProcessingState(ctx context.Context, v model.View, expected, state model.ProcessingState) (ok bool, err error) {
	defer func(start time.Time) { s.metrics.observe("compare_and_set_state", start, err) }(time.Now())
	return s.next.CompareAndSetProcessingState(ctx, v, expected, state)
}

func (s *Store) SetPModeID(ctx context.Context, v model.View, pmodeID string) (err error) {
	defer func(start time.Time) { s.metrics.observe("set_pmode", start, err) }(time.Now())
	return s.next.SetPModeID(ctx, v, pmodeID)
}

func (s *Store) LockMessageID(ctx context.Context, messageID string) (unlock func(), err error) {
	defer func(start time.Time) { s.metrics.observe("lock", start, err) }(time.Now())
	return s.next.LockMessageID(ctx, messageID)
}

func (s *Store) MessageUnitsInState(ctx context.Context, kind model.Kind, direction model.Direction, states []model.ProcessingState) (views []model.View, err error) {
	defer func(start time.Time) { s.metrics.observe("units_in_state", start, err) }(time.Now())
	return s.next.MessageUnitsInState(ctx, kind, direction, states)
}

func (s *Store) MessageUnitsWithID(ctx context.Context, messageID string, directions ...model.Direction) (views []model.View, err error) {
	defer func(start time.Time) { s.metrics.observe("units_with_id", start, err) }(time.Now())
	return s.next.MessageUnitsWithID(ctx, messageID, directions...)
}

func (s *Store) MessageUnitsWithLastStateChangeBefore(ctx context.Context, cutoff time.Time) (views []model.View, err error) {
	defer func(start time.Time) { s.metrics.observe("units_changed_before", start, err) }(time.Now())
	return s.next.MessageUnitsWithLastStateChangeBefore(ctx, cutoff)
}

func (s *Store) MessageUnitsForPModesInState(ctx context.Context, kind model.Kind, pmodeIDs []string, state model.ProcessingState) (views []model.View, err error) {
	defer func(start time.Time) { s.metrics.observe("units_for_pmodes", start, err) }(time.Now())
	return s.next.MessageUnitsForPModesInState(ctx, kind, pmodeIDs, state)
}

func (s *Store) EnsureCompletelyLoaded(ctx context.Context, v model.View) (mu model.MessageUnit, err error) {
	defer func(start time.Time) { s.metrics.observe("load", start, err) }(time.Now())
	return s.next.EnsureCompletelyLoaded(ctx, v)
}

func (s *Store) NumberOfTransmissions(ctx context.Context, v model.View) (n int, err error) {
	defer func(start time.Time) { s.metrics.observe("transmissions", start, err) }(time.Now())
	return s.next.NumberOfTransmissions(ctx, v)
}

func (s *Store) IsAlreadyProcessed(ctx context.Context, v model.View) (done bool, err error) {
	defer func(start time.Time) { s.metrics.observe("already_processed", start, err) }(time.Now())
	return s.next.IsAlreadyProcessed(ctx, v)
}

func (s *Store) MessageUnitWithCoreID(ctx context.Context, coreID string) (mu model.MessageUnit, err error) {
	defer func(start time.Time) { s.metrics.observe("unit_with_core_id", start, err) }(time.Now())
	return s.next.MessageUnitWithCoreID(ctx, coreID)
}

func (s *Store) RelatedTo(ctx context.Context, coreID string) (ids []string, err error) {
	defer func(start time.Time) { s.metrics.observe("related_to", start, err) }(time.Now())
	return s.next.RelatedTo(ctx, coreID)
}
