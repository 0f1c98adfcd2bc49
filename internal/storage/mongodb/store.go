// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// maxAppendAttempts bounds the optimistic retries of a state append
const maxAppendAttempts = 16

// summaryProjection limits a document to the fields of a partial view
var summaryProjection = bson.M{
	"_id":               1,
	"kind":              1,
	"message_id":        1,
	"ref_to_message_id": 1,
	"direction":         1,
	"pmode_id":          1,
	"timestamp":         1,
	"current_state":     1,
	"state_since":       1,
}

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	units  *mongo.Collection
	leases *mongo.Collection

	owner  string
	locks  storage.KeyedMutex
	now    func() time.Time
	logger *slog.Logger

	leaseTTL     time.Duration
	pollInterval time.Duration
}

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string

	// LeaseTTL is how long a messageId lock survives a crashed holder
	LeaseTTL time.Duration
	// PollInterval is how often a caller waiting for a lock retries
	PollInterval time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source used for state changes and lock leases
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

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config, opts ...Option) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	s := &Store{
		client:       client,
		db:           db,
		units:        db.Collection("message_units"),
		leases:       db.Collection("message_locks"),
		owner:        uuid.NewString(),
		now:          time.Now,
		leaseTTL:     cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = 5 * time.Minute
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 50 * time.Millisecond
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "mongodb-store", "database", cfg.Database)

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.units.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "direction", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "direction", Value: 1}, {Key: "current_state", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "current_state", Value: 1}, {Key: "pmode_id", Value: 1}, {Key: "state_since", Value: 1}}},
		{Keys: bson.D{{Key: "state_since", Value: 1}}},
		{Keys: bson.D{{Key: "ref_to_message_id", Value: 1}}},
		{Keys: bson.D{{Key: "error_refs", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message unit indexes: %w", err)
	}

	_, err = s.leases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating lock indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return storage.Fail("ping", s.client.Ping(ctx, nil))
}

// MongoDB stores times with millisecond precision
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Manager implementation

func (s *Store) StoreIncomingMessageUnit(ctx context.Context, mu model.MessageUnit) (model.MessageUnit, error) {
	return s.store(ctx, mu, model.DirectionIn)
}

func (s *Store) StoreOutgoingMessageUnit(ctx context.Context, mu model.MessageUnit) (model.MessageUnit, error) {
	return s.store(ctx, mu, model.DirectionOut)
}

func (s *Store) store(ctx context.Context, mu model.MessageUnit, direction model.Direction) (model.MessageUnit, error) {
	if mu == nil {
		return nil, fmt.Errorf("storing message unit: nil unit")
	}
	doc := storage.NewStoredDocument(mu, direction, s.clock())
	doc.Timestamp = doc.Timestamp.UTC().Truncate(time.Millisecond)

	if _, err := s.units.InsertOne(ctx, doc); err != nil {
		return nil, storage.Fail("store", err)
	}

	s.logger.Debug("stored message unit",
		"core_id", doc.CoreID,
		"kind", doc.Kind,
		"message_id", doc.MessageID,
		"direction", doc.Direction)
	return doc.Entity()
}

func (s *Store) SetProcessingState(ctx context.Context, v model.View, state model.ProcessingState) error {
	_, err := s.appendState(ctx, v, "", state)
	return err
}

func (s *Store) CompareAndSetProcessingState(ctx context.Context, v model.View, expected, state model.ProcessingState) (bool, error) {
	return s.appendState(ctx, v, expected, state)
}

// appendState pushes a history entry conditioned on the current state
// read just before, retrying when another writer got in between
func (s *Store) appendState(ctx context.Context, v model.View, expected, state model.ProcessingState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("unknown processing state %q", state)
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var current struct {
			CurrentState model.ProcessingState `bson:"current_state"`
			StateSince   time.Time             `bson:"state_since"`
		}
		err := s.units.FindOne(ctx, bson.M{"_id": v.CoreID()},
			options.FindOne().SetProjection(bson.M{"current_state": 1, "state_since": 1}),
		).Decode(&current)
		if err == mongo.ErrNoDocuments {
			return false, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
		}
		if err != nil {
			return false, storage.Fail("set processing state", err)
		}
		if expected != "" && current.CurrentState != expected {
			return false, nil
		}

		at := s.clock()
		if at.Before(current.StateSince) {
			at = current.StateSince
		}
		entry := model.StateEntry{State: state, At: at}

		res, err := s.units.UpdateOne(ctx,
			bson.M{
				"_id":           v.CoreID(),
				"current_state": current.CurrentState,
				"state_since":   current.StateSince,
			},
			bson.M{
				"$push": bson.M{"states": entry},
				"$set":  bson.M{"current_state": state, "state_since": at},
			},
		)
		if err != nil {
			return false, storage.Fail("set processing state", err)
		}
		if res.MatchedCount == 1 {
			model.RecordState(v, state, at)
			return true, nil
		}
	}
	return false, storage.Fail("set processing state",
		fmt.Errorf("too much contention on %s", v.CoreID()))
}

func (s *Store) SetPModeID(ctx context.Context, v model.View, pmodeID string) error {
	res, err := s.units.UpdateOne(ctx, bson.M{"_id": v.CoreID()}, bson.M{
		"$set": bson.M{"pmode_id": pmodeID},
	})
	if err != nil {
		return storage.Fail("set pmode", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	model.RecordPModeID(v, pmodeID)
	return nil
}

// LockMessageID serializes holders within the process with an in-memory
// lock and across processes with a lease document in message_locks.
func (s *Store) LockMessageID(ctx context.Context, messageID string) (func(), error) {
	unlockLocal, err := s.locks.Lock(ctx, messageID)
	if err != nil {
		return nil, err
	}

	for {
		ok, err := s.tryLease(ctx, messageID)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, err := s.leases.DeleteOne(context.Background(), bson.M{"_id": messageID, "owner": s.owner})
			if err != nil {
				s.logger.Warn("failed to release message lock", "message_id", messageID, "error", err)
			}
			unlockLocal()
		})
	}, nil
}

// tryLease takes over a missing or expired lease. A live lease makes the
// upsert collide on _id.
func (s *Store) tryLease(ctx context.Context, messageID string) (bool, error) {
	now := s.clock()
	_, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": messageID, "expires_at": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"owner": s.owner, "expires_at": now.Add(s.leaseTTL)}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, storage.Fail("lock message id", err)
	}
	return true, nil
}

// QueryManager implementation

func (s *Store) MessageUnitsInState(ctx context.Context, kind model.Kind, direction model.Direction, states []model.ProcessingState) ([]model.View, error) {
	if len(states) == 0 {
		return nil, nil
	}
	return s.findSummaries(ctx, "units in state", bson.M{
		"kind":          kind,
		"direction":     direction,
		"current_state": bson.M{"$in": states},
	}, bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
}

func (s *Store) MessageUnitsWithID(ctx context.Context, messageID string, directions ...model.Direction) ([]model.View, error) {
	query := bson.M{"message_id": messageID}
	if len(directions) > 0 {
		query["direction"] = bson.M{"$in": directions}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.units.Find(ctx, query, opts)
	if err != nil {
		return nil, storage.Fail("units with id", err)
	}
	defer cursor.Close(ctx)

	var docs []storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storage.Fail("units with id", err)
	}

	views := make([]model.View, 0, len(docs))
	for i := range docs {
		mu, err := docs[i].Entity()
		if err != nil {
			return nil, storage.Fail("units with id", err)
		}
		views = append(views, mu)
	}
	return views, nil
}

func (s *Store) MessageUnitsWithLastStateChangeBefore(ctx context.Context, cutoff time.Time) ([]model.View, error) {
	return s.findSummaries(ctx, "units changed before",
		bson.M{"state_since": bson.M{"$lte": cutoff}},
		bson.D{{Key: "state_since", Value: 1}, {Key: "_id", Value: 1}})
}

func (s *Store) MessageUnitsForPModesInState(ctx context.Context, kind model.Kind, pmodeIDs []string, state model.ProcessingState) ([]model.View, error) {
	if len(pmodeIDs) == 0 {
		return nil, nil
	}
	return s.findSummaries(ctx, "units for pmodes", bson.M{
		"kind":          kind,
		"current_state": state,
		"pmode_id":      bson.M{"$in": pmodeIDs},
	}, bson.D{{Key: "state_since", Value: 1}, {Key: "_id", Value: 1}})
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

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": v.CoreID()}}},
		{{Key: "$project", Value: bson.M{
			"transmissions": bson.M{"$size": bson.M{"$filter": bson.M{
				"input": "$states",
				"cond":  bson.M{"$eq": bson.A{"$$this.state", model.StateSending}},
			}}},
		}}},
	}
	cursor, err := s.units.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, storage.Fail("transmissions", err)
	}
	defer cursor.Close(ctx)

	var result []struct {
		Transmissions int `bson:"transmissions"`
	}
	if err := cursor.All(ctx, &result); err != nil {
		return 0, storage.Fail("transmissions", err)
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	return result[0].Transmissions, nil
}

func (s *Store) IsAlreadyProcessed(ctx context.Context, v model.View) (bool, error) {
	if v.Kind() != model.KindUserMessage {
		return false, fmt.Errorf("%w: duplicate check of %s", storage.ErrWrongKind, v.Kind())
	}
	n, err := s.units.CountDocuments(ctx, bson.M{
		"kind":          model.KindUserMessage,
		"direction":     model.DirectionIn,
		"message_id":    v.MessageID(),
		"current_state": bson.M{"$in": bson.A{model.StateDelivered, model.StateFailure}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, storage.Fail("already processed", err)
	}
	return n > 0, nil
}

func (s *Store) MessageUnitWithCoreID(ctx context.Context, coreID string) (model.MessageUnit, error) {
	var doc storage.Document
	err := s.units.FindOne(ctx, bson.M{"_id": coreID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Fail("unit with core id", err)
	}
	mu, err := doc.Entity()
	if err != nil {
		return nil, storage.Fail("unit with core id", err)
	}
	return mu, nil
}

func (s *Store) RelatedTo(ctx context.Context, coreID string) ([]string, error) {
	var self struct {
		MessageID      string   `bson:"message_id"`
		RefToMessageID string   `bson:"ref_to_message_id"`
		ErrorRefs      []string `bson:"error_refs"`
	}
	err := s.units.FindOne(ctx, bson.M{"_id": coreID},
		options.FindOne().SetProjection(bson.M{"message_id": 1, "ref_to_message_id": 1, "error_refs": 1}),
	).Decode(&self)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Fail("related", err)
	}

	var or bson.A
	if self.MessageID != "" {
		or = append(or,
			bson.M{"ref_to_message_id": self.MessageID},
			bson.M{"error_refs": self.MessageID})
	}
	refs := self.ErrorRefs
	if self.RefToMessageID != "" {
		refs = append(refs, self.RefToMessageID)
	}
	if len(refs) > 0 {
		or = append(or, bson.M{"message_id": bson.M{"$in": refs}})
	}
	if len(or) == 0 {
		return nil, nil
	}

	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.units.Find(ctx, bson.M{"_id": bson.M{"$ne": coreID}, "$or": or}, opts)
	if err != nil {
		return nil, storage.Fail("related", err)
	}
	defer cursor.Close(ctx)

	var related []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, storage.Fail("related", err)
		}
		related = append(related, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, storage.Fail("related", err)
	}
	return related, nil
}

func (s *Store) findSummaries(ctx context.Context, op string, query bson.M, sort bson.D) ([]model.View, error) {
	opts := options.Find().SetProjection(summaryProjection).SetSort(sort)
	cursor, err := s.units.Find(ctx, query, opts)
	if err != nil {
		return nil, storage.Fail(op, err)
	}
	defer cursor.Close(ctx)

	var docs []storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storage.Fail(op, err)
	}

	views := make([]model.View, 0, len(docs))
	for i := range docs {
		views = append(views, docs[i].Summary())
	}
	return views, nil
}

var _ storage.Store = (*Store)(nil)
