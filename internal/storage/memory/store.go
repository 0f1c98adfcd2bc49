// Package memory implements storage.Store in process memory. It is used by
// tests and by single node deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// Store implements storage.Store with maps guarded by a RWMutex
type Store struct {
	mu    sync.RWMutex
	units map[string]*storage.Document

	locks  storage.KeyedMutex
	now    func() time.Time
	logger *slog.Logger
	closed bool
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source used for state changes
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		units: make(map[string]*storage.Document),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "memory-store")
	return s
}

// Close marks the store closed; later calls fail
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping reports whether the store is open
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen("ping")
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return storage.Fail(op, fmt.Errorf("store closed"))
	}
	return nil
}

// Manager implementation

func (s *Store) StoreIncomingMessageUnit(ctx context.Context, mu model.MessageUnit) (model.MessageUnit, error) {
	return s.store(mu, model.DirectionIn)
}

func (s *Store) StoreOutgoingMessageUnit(ctx context.Context, mu model.MessageUnit) (model.MessageUnit, error) {
	return s.store(mu, model.DirectionOut)
}

func (s *Store) store(mu model.MessageUnit, direction model.Direction) (model.MessageUnit, error) {
	if mu == nil {
		return nil, fmt.Errorf("storing message unit: nil unit")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store"); err != nil {
		return nil, err
	}

	doc := storage.NewStoredDocument(mu, direction, s.now())
	s.units[doc.CoreID] = doc
	s.logger.Debug("stored message unit",
		"core_id", doc.CoreID,
		"kind", doc.Kind,
		"message_id", doc.MessageID,
		"direction", doc.Direction)

	return doc.Entity()
}

func (s *Store) SetProcessingState(ctx context.Context, v model.View, state model.ProcessingState) error {
	_, err := s.appendState(v, "", state)
	return err
}

func (s *Store) CompareAndSetProcessingState(ctx context.Context, v model.View, expected, state model.ProcessingState) (bool, error) {
	return s.appendState(v, expected, state)
}

func (s *Store) appendState(v model.View, expected, state model.ProcessingState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("unknown processing state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("set processing state"); err != nil {
		return false, err
	}

	doc, ok := s.units[v.CoreID()]
	if !ok {
		return false, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	if expected != "" && doc.CurrentState != expected {
		return false, nil
	}

	e := doc.AppendState(state, s.now())
	model.RecordState(v, e.State, e.At)
	return true, nil
}

func (s *Store) SetPModeID(ctx context.Context, v model.View, pmodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("set pmode"); err != nil {
		return err
	}

	doc, ok := s.units[v.CoreID()]
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	doc.PModeID = pmodeID
	model.RecordPModeID(v, pmodeID)
	return nil
}

func (s *Store) LockMessageID(ctx context.Context, messageID string) (func(), error) {
	return s.locks.Lock(ctx, messageID)
}

// QueryManager implementation

func (s *Store) MessageUnitsInState(ctx context.Context, kind model.Kind, direction model.Direction, states []model.ProcessingState) ([]model.View, error) {
	views, err := s.summaries("units in state", func(d *storage.Document) bool {
		return d.Kind == kind && d.Direction == direction && storage.ContainsState(states, d.CurrentState)
	})
	if err != nil {
		return nil, err
	}
	storage.SortByTimestamp(views)
	return views, nil
}

func (s *Store) MessageUnitsWithID(ctx context.Context, messageID string, directions ...model.Direction) ([]model.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("units with id"); err != nil {
		return nil, err
	}

	var views []model.View
	for _, doc := range s.sorted() {
		if doc.MessageID != messageID || !matchesDirection(doc.Direction, directions) {
			continue
		}
		mu, err := doc.Entity()
		if err != nil {
			return nil, storage.Fail("units with id", err)
		}
		views = append(views, mu)
	}
	return views, nil
}

func (s *Store) MessageUnitsWithLastStateChangeBefore(ctx context.Context, cutoff time.Time) ([]model.View, error) {
	views, err := s.summaries("units changed before", func(d *storage.Document) bool {
		return !d.StateSince.After(cutoff)
	})
	if err != nil {
		return nil, err
	}
	storage.SortByStateSince(views)
	return views, nil
}

func (s *Store) MessageUnitsForPModesInState(ctx context.Context, kind model.Kind, pmodeIDs []string, state model.ProcessingState) ([]model.View, error) {
	wanted := make(map[string]bool, len(pmodeIDs))
	for _, id := range pmodeIDs {
		wanted[id] = true
	}
	views, err := s.summaries("units for pmodes", func(d *storage.Document) bool {
		return d.Kind == kind && d.CurrentState == state && wanted[d.PModeID]
	})
	if err != nil {
		return nil, err
	}
	storage.SortByStateSince(views)
	return views, nil
}

func (s *Store) EnsureCompletelyLoaded(ctx context.Context, v model.View) (model.MessageUnit, error) {
	mu, err := s.MessageUnitWithCoreID(ctx, v.CoreID())
	if err != nil {
		return nil, err
	}
	if mu == nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	return mu, nil
}

func (s *Store) NumberOfTransmissions(ctx context.Context, v model.View) (int, error) {
	if v.Kind() != model.KindUserMessage {
		return 0, fmt.Errorf("%w: transmissions of %s", storage.ErrWrongKind, v.Kind())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("transmissions"); err != nil {
		return 0, err
	}

	doc, ok := s.units[v.CoreID()]
	if !ok {
		return 0, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	n := 0
	for _, e := range doc.States {
		if e.State == model.StateSending {
			n++
		}
	}
	return n, nil
}

func (s *Store) IsAlreadyProcessed(ctx context.Context, v model.View) (bool, error) {
	if v.Kind() != model.KindUserMessage {
		return false, fmt.Errorf("%w: duplicate check of %s", storage.ErrWrongKind, v.Kind())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("already processed"); err != nil {
		return false, err
	}

	for _, doc := range s.units {
		if doc.Kind == model.KindUserMessage &&
			doc.Direction == model.DirectionIn &&
			doc.MessageID == v.MessageID() &&
			storage.IsProcessedState(doc.CurrentState) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MessageUnitWithCoreID(ctx context.Context, coreID string) (model.MessageUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("unit with core id"); err != nil {
		return nil, err
	}

	doc, ok := s.units[coreID]
	if !ok {
		return nil, nil
	}
	mu, err := doc.Entity()
	if err != nil {
		return nil, storage.Fail("unit with core id", err)
	}
	return mu, nil
}

func (s *Store) RelatedTo(ctx context.Context, coreID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("related"); err != nil {
		return nil, err
	}

	self, ok := s.units[coreID]
	if !ok {
		return nil, nil
	}

	var related []string
	for id, doc := range s.units {
		if id != coreID && storage.Related(self, doc) {
			related = append(related, id)
		}
	}
	sort.Strings(related)
	return related, nil
}

func (s *Store) summaries(op string, match func(*storage.Document) bool) ([]model.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	var views []model.View
	for _, doc := range s.units {
		if match(doc) {
			views = append(views, doc.Summary())
		}
	}
	return views, nil
}

// sorted returns the documents ordered by timestamp then core id
func (s *Store) sorted() []*storage.Document {
	docs := make([]*storage.Document, 0, len(s.units))
	for _, doc := range s.units {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].Timestamp.Equal(docs[j].Timestamp) {
			return docs[i].Timestamp.Before(docs[j].Timestamp)
		}
		return docs[i].CoreID < docs[j].CoreID
	})
	return docs
}

func matchesDirection(d model.Direction, directions []model.Direction) bool {
	if len(directions) == 0 {
		return true
	}
	for _, want := range directions {
		if d == want {
			return true
		}
	}
	return false
}

var _ storage.Store = (*Store)(nil)
