package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/internal/storage/memory"
	"github.com/sirosfoundation/go-ebms/internal/storage/storagetest"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
	"github.com/sirosfoundation/go-ebms/pkg/reliability"
)

type recorder struct {
	mu     sync.Mutex
	sent   []string
	fail   error
	errors map[string][]model.EbmsError
	// during runs inside Transmit, before it returns
	during func(context.Context, *model.UserMessage)
}

func (r *recorder) Transmit(ctx context.Context, um *model.UserMessage) error {
	r.mu.Lock()
	fail, during := r.fail, r.during
	if fail == nil {
		r.sent = append(r.sent, um.MessageID())
	}
	r.mu.Unlock()
	if during != nil {
		during(ctx, um)
	}
	return fail
}

func (r *recorder) handleErrors(messageID string, errs []model.EbmsError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = make(map[string][]model.EbmsError)
	}
	r.errors[messageID] = append(r.errors[messageID], errs...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type testEnv struct {
	store  *memory.Store
	clock  *storagetest.Clock
	rec    *recorder
	sender *Sender
}

func newEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	clock := storagetest.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	pmodes := pmode.NewPModeManager()
	require.NoError(t, pmodes.AddPMode(&pmode.ProcessingMode{
		ID: "retry",
		ReceptionAwareness: &pmode.ReceptionAwareness{
			Enabled: true,
			Retry: &pmode.RetryConfig{
				Enabled:         true,
				MaxRetries:      1,
				RetryInterval:   time.Minute,
				RetryMultiplier: 2,
			},
		},
	}))
	require.NoError(t, pmodes.AddPMode(&pmode.ProcessingMode{ID: "push"}))
	require.NoError(t, pmodes.AddPMode(&pmode.ProcessingMode{
		ID:            "quiet",
		ErrorHandling: &pmode.ErrorHandling{ReportErrors: true},
	}))

	rec := &recorder{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Clock = clock.Now
	cfg.ErrorHandler = rec.handleErrors
	return &testEnv{
		store:  store,
		clock:  clock,
		rec:    rec,
		sender: NewSender(store, pmodes, rec, cfg),
	}
}

func (e *testEnv) readyToPush(t *testing.T, messageID, pmodeID string) model.MessageUnit {
	t.Helper()
	ctx := context.Background()
	um := model.NewUserMessage()
	um.SetMessageID(messageID)
	stored, err := e.store.StoreOutgoingMessageUnit(ctx, um)
	require.NoError(t, err)
	require.NoError(t, e.store.SetPModeID(ctx, stored, pmodeID))
	require.NoError(t, e.store.SetProcessingState(ctx, stored, model.StateReadyToPush))
	return stored
}

func (e *testEnv) state(t *testing.T, mu model.MessageUnit) model.ProcessingState {
	t.Helper()
	reloaded, err := e.store.MessageUnitWithCoreID(context.Background(), mu.CoreID())
	require.NoError(t, err)
	return reloaded.CurrentState()
}

func TestSender_ResendUntilRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil)
	unit := env.readyToPush(t, "out-1", "retry")

	stats, err := env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 1}, stats)
	assert.Equal(t, model.StateAwaitingReceipt, env.state(t, unit))

	// no receipt within the retry interval
	env.clock.Advance(time.Minute)
	stats, err = env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Resent: 1}, stats)
	assert.Equal(t, model.StateReadyToPush, env.state(t, unit))

	stats, err = env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 1}, stats)

	// the second wait is twice as long, then the retries are exhausted
	env.clock.Advance(time.Minute)
	stats, err = env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	env.clock.Advance(time.Minute)
	stats, err = env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)
	assert.Equal(t, model.StateFailure, env.state(t, unit))

	assert.Equal(t, []string{"out-1", "out-1"}, env.rec.sent)
	require.Len(t, env.rec.errors["out-1"], 1)
	assert.Equal(t, "EBMS:0301", env.rec.errors["out-1"][0].ErrorCode)

	n, err := env.store.NumberOfTransmissions(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSender_ReceiptDuringTransmit(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil)
	unit := env.readyToPush(t, "out-1", "retry")

	env.rec.during = func(ctx context.Context, um *model.UserMessage) {
		r := model.NewReceipt()
		r.SetMessageID("rcpt-1")
		r.SetRefToMessageID(um.MessageID())
		stored, err := env.store.StoreIncomingMessageUnit(ctx, r)
		require.NoError(t, err)
		changed, err := reliability.CorrelateSignal(ctx, env.store, stored)
		require.NoError(t, err)
		assert.Equal(t, []string{unit.CoreID()}, changed)
	}

	stats, err := env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 1}, stats)
	assert.Equal(t, model.StateDelivered, env.state(t, unit))

	// nothing is resent or failed once the retries would have run out
	env.rec.during = nil
	for range 3 {
		env.clock.Advance(2 * time.Minute)
		_, err = env.sender.Poll(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, model.StateDelivered, env.state(t, unit))
	assert.Equal(t, []string{"out-1"}, env.rec.sent)
	assert.Empty(t, env.rec.errors)
}

func TestSender_WithoutReceipts(t *testing.T) {
	env := newEnv(t, nil)
	unit := env.readyToPush(t, "out-1", "push")

	stats, err := env.sender.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, model.StateDelivered, env.state(t, unit))
}

func TestSender_TransmitFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("without retries", func(t *testing.T) {
		env := newEnv(t, nil)
		env.rec.fail = errors.New("connection refused")
		unit := env.readyToPush(t, "out-1", "push")

		stats, err := env.sender.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Failed: 1}, stats)
		assert.Equal(t, model.StateFailure, env.state(t, unit))
		require.Len(t, env.rec.errors["out-1"], 1)
		assert.Equal(t, "EBMS:0005", env.rec.errors["out-1"][0].ErrorCode)

		full, err := env.store.MessageUnitWithCoreID(ctx, unit.CoreID())
		require.NoError(t, err)
		var states []model.ProcessingState
		for _, e := range full.History() {
			states = append(states, e.State)
		}
		assert.Equal(t, []model.ProcessingState{
			model.StateSubmitted, model.StateReadyToPush, model.StateSending,
			model.StateTransportFailure, model.StateFailure,
		}, states)
	})

	t.Run("producer not notified", func(t *testing.T) {
		env := newEnv(t, nil)
		env.rec.fail = errors.New("connection refused")
		unit := env.readyToPush(t, "out-1", "quiet")

		stats, err := env.sender.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Failed: 1}, stats)
		assert.Equal(t, model.StateFailure, env.state(t, unit))
		assert.Empty(t, env.rec.errors)
	})

	t.Run("with retries", func(t *testing.T) {
		env := newEnv(t, nil)
		env.rec.fail = errors.New("connection refused")
		unit := env.readyToPush(t, "out-1", "retry")

		stats, err := env.sender.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
		assert.Equal(t, model.StateAwaitingReceipt, env.state(t, unit))
		assert.Empty(t, env.rec.errors)

		// the planner schedules the retry
		env.rec.fail = nil
		env.clock.Advance(time.Minute)
		_, err = env.sender.Poll(ctx)
		require.NoError(t, err)
		_, err = env.sender.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"out-1"}, env.rec.sent)
	})
}

func TestSender_BatchSize(t *testing.T) {
	env := newEnv(t, &Config{BatchSize: 2})
	for _, id := range []string{"a", "b", "c"} {
		env.readyToPush(t, id, "push")
		env.clock.Advance(time.Second)
	}

	stats, err := env.sender.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, []string{"a", "b"}, env.rec.sent)

	stats, err = env.sender.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
}

func TestSender_Expiry(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, &Config{ExpireAfter: time.Hour})

	um := model.NewUserMessage()
	um.SetMessageID("in-1")
	stuck, err := env.store.StoreIncomingMessageUnit(ctx, um)
	require.NoError(t, err)

	stats, err := env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)

	env.clock.Advance(2 * time.Hour)
	stats, err = env.sender.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, model.StateFailure, env.state(t, stuck))
}

func TestSender_StartStop(t *testing.T) {
	var polls int
	var mu sync.Mutex
	env := newEnv(t, &Config{
		PollInterval: 5 * time.Millisecond,
		AfterPoll: func(context.Context) {
			mu.Lock()
			polls++
			mu.Unlock()
		},
	})
	env.readyToPush(t, "out-1", "push")

	env.sender.Start(context.Background())
	env.sender.Start(context.Background())
	assert.Eventually(t, func() bool { return env.rec.count() == 1 }, time.Second, 5*time.Millisecond)
	env.sender.Stop()
	env.sender.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, polls)
}
