// Package sqlite implements storage.Store on an embedded SQLite database
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sirosfoundation/go-ebms/internal/storage/sqlite/migrations"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// Store implements storage.Store using SQLite. Variant data is kept as a
// JSON body next to indexed base columns; the processing state history
// lives in its own table.
type Store struct {
	db     *sql.DB
	owner  string
	locks  storage.KeyedMutex
	now    func() time.Time
	logger *slog.Logger

	leaseTTL     time.Duration
	pollInterval time.Duration
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

// WithLease sets how long a messageId lock survives a crashed holder and
// how often a waiting caller retries
func WithLease(ttl, pollInterval time.Duration) Option {
	return func(s *Store) {
		s.leaseTTL = ttl
		s.pollInterval = pollInterval
	}
}

// Open opens the SQLite database at path and applies migrations
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:           db,
		owner:        uuid.NewString(),
		now:          time.Now,
		leaseTTL:     5 * time.Minute,
		pollInterval: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sqlite-store", "path", path)
	return s, nil
}

// Close releases the database
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return storage.Fail("ping", s.db.PingContext(ctx))
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
	doc := storage.NewStoredDocument(mu, direction, s.now())

	body, err := encodeBody(doc)
	if err != nil {
		return nil, storage.Fail("store", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Fail("store", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO message_units (
	core_id,
	kind,
	message_id,
	ref_to_message_id,
	direction,
	pmode_id,
	timestamp,
	current_state,
	state_since,
	state_count,
	body
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		doc.CoreID,
		string(doc.Kind),
		doc.MessageID,
		doc.RefToMessageID,
		string(doc.Direction),
		doc.PModeID,
		toNanos(doc.Timestamp),
		string(doc.CurrentState),
		toNanos(doc.StateSince),
		len(doc.States),
		body,
	); err != nil {
		return nil, storage.Fail("store", err)
	}

	for i, e := range doc.States {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processing_states (core_id, seq, state, at) VALUES (?, ?, ?, ?)`,
			doc.CoreID, i, string(e.State), toNanos(e.At),
		); err != nil {
			return nil, storage.Fail("store", err)
		}
	}
	for _, ref := range doc.ErrorRefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO error_refs (core_id, ref_to_message_id) VALUES (?, ?)`,
			doc.CoreID, ref,
		); err != nil {
			return nil, storage.Fail("store", err)
		}
	}
	if err := tx.Commit(); err != nil {
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

func (s *Store) appendState(ctx context.Context, v model.View, expected, state model.ProcessingState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("unknown processing state %q", state)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.Fail("set processing state", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current    string
		sinceNanos int64
		count      int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT current_state, state_since, state_count FROM message_units WHERE core_id = ?`,
		v.CoreID(),
	).Scan(&current, &sinceNanos, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	if err != nil {
		return false, storage.Fail("set processing state", err)
	}
	if expected != "" && model.ProcessingState(current) != expected {
		return false, nil
	}

	at := s.now()
	if since := fromNanos(sinceNanos); at.Before(since) {
		at = since
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processing_states (core_id, seq, state, at) VALUES (?, ?, ?, ?)`,
		v.CoreID(), count, string(state), toNanos(at),
	); err != nil {
		return false, storage.Fail("set processing state", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE message_units SET current_state = ?, state_since = ?, state_count = ? WHERE core_id = ?`,
		string(state), toNanos(at), count+1, v.CoreID(),
	); err != nil {
		return false, storage.Fail("set processing state", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storage.Fail("set processing state", err)
	}

	model.RecordState(v, state, at)
	return true, nil
}

func (s *Store) SetPModeID(ctx context.Context, v model.View, pmodeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_units SET pmode_id = ? WHERE core_id = ?`, pmodeID, v.CoreID())
	if err != nil {
		return storage.Fail("set pmode", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Fail("set pmode", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	model.RecordPModeID(v, pmodeID)
	return nil
}

// LockMessageID serializes holders within the process with an in-memory
// lock and across processes with a lease row in message_locks.
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
			if _, err := s.db.ExecContext(context.Background(),
				`DELETE FROM message_locks WHERE message_id = ? AND owner = ?`, messageID, s.owner,
			); err != nil {
				s.logger.Warn("failed to release message lock", "message_id", messageID, "error", err)
			}
			unlockLocal()
		})
	}, nil
}

func (s *Store) tryLease(ctx context.Context, messageID string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO message_locks (message_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT (message_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE message_locks.expires_at < ?
`,
		messageID, s.owner, toNanos(now.Add(s.leaseTTL)), toNanos(now),
	)
	if err != nil {
		return false, storage.Fail("lock message id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Fail("lock message id", err)
	}
	return n > 0, nil
}

// QueryManager implementation

const summaryColumns = `core_id, kind, message_id, ref_to_message_id, direction, pmode_id, timestamp, current_state, state_since`

func (s *Store) MessageUnitsInState(ctx context.Context, kind model.Kind, direction model.Direction, states []model.ProcessingState) ([]model.View, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := []any{string(kind), string(direction)}
	for _, st := range states {
		args = append(args, string(st))
	}
	return s.querySummaries(ctx, "units in state", `
SELECT `+summaryColumns+`
FROM message_units
WHERE kind = ? AND direction = ? AND current_state IN (`+placeholders(len(states))+`)
ORDER BY timestamp, core_id
`, args...)
}

func (s *Store) MessageUnitsWithID(ctx context.Context, messageID string, directions ...model.Direction) ([]model.View, error) {
	query := `SELECT ` + summaryColumns + `, body FROM message_units WHERE message_id = ?`
	args := []any{messageID}
	if len(directions) > 0 {
		query += ` AND direction IN (` + placeholders(len(directions)) + `)`
		for _, d := range directions {
			args = append(args, string(d))
		}
	}
	query += ` ORDER BY timestamp, core_id`

	docs, err := s.queryDocuments(ctx, "units with id", query, args...)
	if err != nil {
		return nil, err
	}
	views := make([]model.View, 0, len(docs))
	for _, doc := range docs {
		mu, err := s.complete(ctx, doc)
		if err != nil {
			return nil, err
		}
		views = append(views, mu)
	}
	return views, nil
}

func (s *Store) MessageUnitsWithLastStateChangeBefore(ctx context.Context, cutoff time.Time) ([]model.View, error) {
	return s.querySummaries(ctx, "units changed before", `
SELECT `+summaryColumns+`
FROM message_units
WHERE state_since <= ?
ORDER BY state_since, core_id
`, toNanos(cutoff))
}

func (s *Store) MessageUnitsForPModesInState(ctx context.Context, kind model.Kind, pmodeIDs []string, state model.ProcessingState) ([]model.View, error) {
	if len(pmodeIDs) == 0 {
		return nil, nil
	}
	args := []any{string(kind), string(state)}
	for _, id := range pmodeIDs {
		args = append(args, id)
	}
	return s.querySummaries(ctx, "units for pmodes", `
SELECT `+summaryColumns+`
FROM message_units
WHERE kind = ? AND current_state = ? AND pmode_id IN (`+placeholders(len(pmodeIDs))+`)
ORDER BY state_since, core_id
`, args...)
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
	var exists, count int
	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM message_units WHERE core_id = ?1),
	(SELECT COUNT(*) FROM processing_states WHERE core_id = ?1 AND state = ?2)
`, v.CoreID(), string(model.StateSending)).Scan(&exists, &count)
	if err != nil {
		return 0, storage.Fail("transmissions", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %q", storage.ErrNotStored, v.CoreID())
	}
	return count, nil
}

func (s *Store) IsAlreadyProcessed(ctx context.Context, v model.View) (bool, error) {
	if v.Kind() != model.KindUserMessage {
		return false, fmt.Errorf("%w: duplicate check of %s", storage.ErrWrongKind, v.Kind())
	}
	var found bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM message_units
	WHERE kind = ? AND direction = ? AND message_id = ? AND current_state IN (?, ?)
)
`,
		string(model.KindUserMessage),
		string(model.DirectionIn),
		v.MessageID(),
		string(model.StateDelivered),
		string(model.StateFailure),
	).Scan(&found)
	if err != nil {
		return false, storage.Fail("already processed", err)
	}
	return found, nil
}

func (s *Store) MessageUnitWithCoreID(ctx context.Context, coreID string) (model.MessageUnit, error) {
	docs, err := s.queryDocuments(ctx, "unit with core id",
		`SELECT `+summaryColumns+`, body FROM message_units WHERE core_id = ?`, coreID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return s.complete(ctx, docs[0])
}

func (s *Store) RelatedTo(ctx context.Context, coreID string) ([]string, error) {
	var messageID, ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, ref_to_message_id FROM message_units WHERE core_id = ?`, coreID,
	).Scan(&messageID, &ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Fail("related", err)
	}

	refs, err := s.errorRefs(ctx, coreID)
	if err != nil {
		return nil, err
	}
	if ref != "" {
		refs = append(refs, ref)
	}

	var conds []string
	args := []any{coreID}
	if messageID != "" {
		conds = append(conds,
			`ref_to_message_id = ?`,
			`core_id IN (SELECT core_id FROM error_refs WHERE ref_to_message_id = ?)`)
		args = append(args, messageID, messageID)
	}
	if len(refs) > 0 {
		conds = append(conds, `message_id IN (`+placeholders(len(refs))+`)`)
		for _, r := range refs {
			args = append(args, r)
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT core_id FROM message_units
WHERE core_id <> ? AND (`+strings.Join(conds, " OR ")+`)
ORDER BY core_id
`, args...)
	if err != nil {
		return nil, storage.Fail("related", err)
	}
	defer rows.Close()

	var related []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Fail("related", err)
		}
		related = append(related, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Fail("related", err)
	}
	return related, nil
}

func (s *Store) errorRefs(ctx context.Context, coreID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_to_message_id FROM error_refs WHERE core_id = ? ORDER BY ref_to_message_id`, coreID)
	if err != nil {
		return nil, storage.Fail("error refs", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, storage.Fail("error refs", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Fail("error refs", err)
	}
	return refs, nil
}

func (s *Store) querySummaries(ctx context.Context, op, query string, args ...any) ([]model.View, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Fail(op, err)
	}
	defer rows.Close()

	var views []model.View
	for rows.Next() {
		doc, err := scanSummary(rows)
		if err != nil {
			return nil, storage.Fail(op, err)
		}
		views = append(views, doc.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Fail(op, err)
	}
	return views, nil
}

// queryDocuments reads documents including their JSON body. The rows are
// closed before returning so the single connection is free for the
// history queries that follow.
func (s *Store) queryDocuments(ctx context.Context, op, query string, args ...any) ([]*storage.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Fail(op, err)
	}
	defer rows.Close()

	var docs []*storage.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, storage.Fail(op, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Fail(op, err)
	}
	return docs, nil
}

// complete loads the state history of doc and builds the entity
func (s *Store) complete(ctx context.Context, doc *storage.Document) (model.MessageUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, at FROM processing_states WHERE core_id = ? ORDER BY seq`, doc.CoreID)
	if err != nil {
		return nil, storage.Fail("load history", err)
	}
	defer rows.Close()

	doc.States = nil
	for rows.Next() {
		var (
			state string
			at    int64
		)
		if err := rows.Scan(&state, &at); err != nil {
			return nil, storage.Fail("load history", err)
		}
		doc.States = append(doc.States, model.StateEntry{State: model.ProcessingState(state), At: fromNanos(at)})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Fail("load history", err)
	}

	mu, err := doc.Entity()
	if err != nil {
		return nil, storage.Fail("load", err)
	}
	return mu, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*storage.Document, error) {
	doc := &storage.Document{}
	if err := scanBase(row, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func scanDocument(row scanner) (*storage.Document, error) {
	doc := &storage.Document{}
	var body string
	if err := scanBase(row, doc, &body); err != nil {
		return nil, err
	}
	base := *doc
	if err := json.Unmarshal([]byte(body), doc); err != nil {
		return nil, fmt.Errorf("decoding body of %s: %w", base.CoreID, err)
	}
	// indexed columns are authoritative
	doc.CoreID = base.CoreID
	doc.Kind = base.Kind
	doc.MessageID = base.MessageID
	doc.RefToMessageID = base.RefToMessageID
	doc.Direction = base.Direction
	doc.PModeID = base.PModeID
	doc.Timestamp = base.Timestamp
	doc.CurrentState = base.CurrentState
	doc.StateSince = base.StateSince
	return doc, nil
}

func scanBase(row scanner, doc *storage.Document, extra ...any) error {
	var (
		kind, direction, state string
		ts, since              int64
	)
	dest := []any{&doc.CoreID, &kind, &doc.MessageID, &doc.RefToMessageID, &direction, &doc.PModeID, &ts, &state, &since}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	doc.Kind = model.Kind(kind)
	doc.Direction = model.Direction(direction)
	doc.CurrentState = model.ProcessingState(state)
	doc.Timestamp = fromNanos(ts)
	doc.StateSince = fromNanos(since)
	return nil
}

// encodeBody returns the JSON form of the variant data of doc
func encodeBody(doc *storage.Document) (string, error) {
	body := *doc
	body.States = nil
	b, err := json.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("encoding body of %s: %w", doc.CoreID, err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ storage.Store = (*Store)(nil)
