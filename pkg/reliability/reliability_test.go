package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/internal/storage/memory"
	"github.com/sirosfoundation/go-ebms/internal/storage/storagetest"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

func newStore(t *testing.T) (*memory.Store, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock()
	s := memory.New(memory.WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clock
}

func storeIncoming(t *testing.T, s storage.Store, messageID string) *model.UserMessage {
	t.Helper()
	um := model.NewUserMessage()
	um.SetMessageID(messageID)
	stored, err := s.StoreIncomingMessageUnit(context.Background(), um)
	require.NoError(t, err)
	return stored.(*model.UserMessage)
}

func TestDeliverOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	var calls atomic.Int32
	d := DelivererFunc(func(context.Context, *model.UserMessage) error {
		calls.Add(1)
		return nil
	})

	first := storeIncoming(t, s, "m-1")
	outcome, err := DeliverOnce(ctx, s, first, d, nil)
	require.NoError(t, err)
	assert.Equal(t, Delivered, outcome)
	assert.Equal(t, model.StateDelivered, first.CurrentState())

	second := storeIncoming(t, s, "m-1")
	outcome, err = DeliverOnce(ctx, s, second, d, nil)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	assert.Equal(t, model.StateDuplicate, second.CurrentState())
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverOnce_ConcurrentCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	const copies = 8
	units := make([]*model.UserMessage, copies)
	for i := range units {
		units[i] = storeIncoming(t, s, "m-dup")
	}

	var calls atomic.Int32
	d := DelivererFunc(func(context.Context, *model.UserMessage) error {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})

	outcomes := make([]Outcome, copies)
	var wg sync.WaitGroup
	for i := range units {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := DeliverOnce(ctx, s, units[i], d, nil)
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	delivered := 0
	for _, o := range outcomes {
		if o == Delivered {
			delivered++
		} else {
			assert.Equal(t, Duplicate, o)
		}
	}
	assert.Equal(t, 1, delivered)
}

func TestDeliverOnce_Failure(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	um := storeIncoming(t, s, "m-2")
	generated := make(model.GeneratedErrors)
	outcome, err := DeliverOnce(ctx, s, um, DelivererFunc(func(context.Context, *model.UserMessage) error {
		return errors.New("backend down")
	}), generated)
	require.NoError(t, err)
	assert.Equal(t, DeliveryFailed, outcome)
	assert.Equal(t, model.StateFailure, um.CurrentState())

	errs := generated.Get("m-2")
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0202", errs[0].ErrorCode)

	// a failed message counts as processed
	retry := storeIncoming(t, s, "m-2")
	outcome, err = DeliverOnce(ctx, s, retry, DelivererFunc(func(context.Context, *model.UserMessage) error { return nil }), nil)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
}

func TestDeliverOnce_StorageFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	um := storeIncoming(t, s, "m-3")
	require.NoError(t, s.Close(ctx))

	_, err := DeliverOnce(ctx, s, um, DelivererFunc(func(context.Context, *model.UserMessage) error { return nil }), nil)
	assert.ErrorIs(t, err, storage.ErrStorageFailure)
}

func TestBackoff(t *testing.T) {
	r := &pmode.RetryConfig{RetryInterval: time.Minute, RetryMultiplier: 2}
	assert.Equal(t, time.Minute, Backoff(r, 0))
	assert.Equal(t, time.Minute, Backoff(r, 1))
	assert.Equal(t, 2*time.Minute, Backoff(r, 2))
	assert.Equal(t, 4*time.Minute, Backoff(r, 3))

	flat := &pmode.RetryConfig{RetryInterval: time.Minute}
	assert.Equal(t, time.Minute, Backoff(flat, 5))
}

func retryPModes(t *testing.T) *pmode.PModeManager {
	t.Helper()
	m := pmode.NewPModeManager()
	require.NoError(t, m.AddPMode(&pmode.ProcessingMode{
		ID: "retry",
		ReceptionAwareness: &pmode.ReceptionAwareness{
			Enabled: true,
			Retry: &pmode.RetryConfig{
				Enabled:         true,
				MaxRetries:      2,
				RetryInterval:   time.Minute,
				RetryMultiplier: 2,
			},
		},
	}))
	require.NoError(t, m.AddPMode(&pmode.ProcessingMode{ID: "no-retry"}))
	return m
}

func sendOnce(t *testing.T, s storage.Store, v model.View) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetProcessingState(ctx, v, model.StateSending))
	require.NoError(t, s.SetProcessingState(ctx, v, model.StateAwaitingReceipt))
}

func TestResendPlanner(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)
	planner := NewResendPlanner(s, retryPModes(t), WithClock(clock.Now))

	um := model.NewUserMessage()
	um.SetMessageID("out-1")
	stored, err := s.StoreOutgoingMessageUnit(ctx, um)
	require.NoError(t, err)
	require.NoError(t, s.SetPModeID(ctx, stored, "retry"))
	sendOnce(t, s, stored)

	// a unit under a P-Mode without retries is never planned
	other := model.NewUserMessage()
	other.SetMessageID("out-2")
	otherStored, err := s.StoreOutgoingMessageUnit(ctx, other)
	require.NoError(t, err)
	require.NoError(t, s.SetPModeID(ctx, otherStored, "no-retry"))
	sendOnce(t, s, otherStored)

	clock.Advance(30 * time.Second)
	decisions, err := planner.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionWait, decisions[0].Action)
	assert.Equal(t, 1, decisions[0].Transmissions)

	clock.Advance(30 * time.Second)
	n, err := planner.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := s.MessageUnitWithCoreID(ctx, stored.CoreID())
	require.NoError(t, err)
	assert.Equal(t, model.StateReadyToPush, reloaded.CurrentState())

	// second transmission waits twice as long
	sendOnce(t, s, reloaded)
	clock.Advance(time.Minute)
	decisions, err = planner.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionWait, decisions[0].Action)
	clock.Advance(time.Minute)
	decisions, err = planner.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionResend, decisions[0].Action)
	_, err = planner.Apply(ctx, decisions, nil)
	require.NoError(t, err)

	// the third transmission is the last of two retries and still gets
	// its full wait for a receipt
	sendOnce(t, s, reloaded)
	decisions, err = planner.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionWait, decisions[0].Action)

	clock.Advance(4 * time.Minute)
	decisions, err = planner.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionFail, decisions[0].Action)
	assert.Equal(t, 3, decisions[0].Transmissions)

	generated := make(model.GeneratedErrors)
	n, err = planner.Apply(ctx, decisions, generated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, generated.Get("out-1"), 1)
	assert.Equal(t, "EBMS:0301", generated.Get("out-1")[0].ErrorCode)

	final, err := s.MessageUnitWithCoreID(ctx, stored.CoreID())
	require.NoError(t, err)
	assert.Equal(t, model.StateFailure, final.CurrentState())
}

func TestResendPlanner_StaleDecisionSkipped(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)
	planner := NewResendPlanner(s, retryPModes(t), WithClock(clock.Now))

	um := model.NewUserMessage()
	um.SetMessageID("out-3")
	stored, err := s.StoreOutgoingMessageUnit(ctx, um)
	require.NoError(t, err)
	require.NoError(t, s.SetPModeID(ctx, stored, "retry"))
	sendOnce(t, s, stored)
	clock.Advance(time.Hour)

	decisions, err := planner.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	// the receipt arrives between planning and applying
	require.NoError(t, s.SetProcessingState(ctx, stored, model.StateDelivered))

	n, err := planner.Apply(ctx, decisions, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResendPlanner_NoRetryPModes(t *testing.T) {
	s, _ := newStore(t)
	planner := NewResendPlanner(s, pmode.NewPModeManager())
	decisions, err := planner.Plan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)

	stuck := storeIncoming(t, s, "stuck")
	require.NoError(t, s.SetProcessingState(ctx, stuck, model.StateProcessing))
	done := storeIncoming(t, s, "done")
	require.NoError(t, s.SetProcessingState(ctx, done, model.StateDelivered))

	clock.Advance(time.Hour)
	fresh := storeIncoming(t, s, "fresh")

	expired, err := ExpireStale(ctx, s, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.CoreID()}, expired)

	for _, tc := range []struct {
		coreID string
		want   model.ProcessingState
	}{
		{stuck.CoreID(), model.StateFailure},
		{done.CoreID(), model.StateDelivered},
		{fresh.CoreID(), model.StateReceived},
	} {
		mu, err := s.MessageUnitWithCoreID(ctx, tc.coreID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, mu.CurrentState())
	}
}

func storeAwaiting(t *testing.T, s storage.Store, messageID string) model.MessageUnit {
	t.Helper()
	um := model.NewUserMessage()
	um.SetMessageID(messageID)
	stored, err := s.StoreOutgoingMessageUnit(context.Background(), um)
	require.NoError(t, err)
	sendOnce(t, s, stored)
	return stored
}

func TestCorrelateSignal(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	t.Run("receipt", func(t *testing.T) {
		sent := storeAwaiting(t, s, "r-1")
		r := model.NewReceipt()
		r.SetMessageID("rcpt-1")
		r.SetRefToMessageID("r-1")
		stored, err := s.StoreIncomingMessageUnit(ctx, r)
		require.NoError(t, err)

		changed, err := CorrelateSignal(ctx, s, stored)
		require.NoError(t, err)
		assert.Equal(t, []string{sent.CoreID()}, changed)
		assert.Equal(t, model.StateDone, stored.CurrentState())

		reloaded, err := s.MessageUnitWithCoreID(ctx, sent.CoreID())
		require.NoError(t, err)
		assert.Equal(t, model.StateDelivered, reloaded.CurrentState())
	})

	t.Run("receipt before the send outcome", func(t *testing.T) {
		um := model.NewUserMessage()
		um.SetMessageID("r-2")
		sent, err := s.StoreOutgoingMessageUnit(ctx, um)
		require.NoError(t, err)
		require.NoError(t, s.SetProcessingState(ctx, sent, model.StateSending))

		r := model.NewReceipt()
		r.SetMessageID("rcpt-2")
		r.SetRefToMessageID("r-2")
		stored, err := s.StoreIncomingMessageUnit(ctx, r)
		require.NoError(t, err)

		changed, err := CorrelateSignal(ctx, s, stored)
		require.NoError(t, err)
		assert.Equal(t, []string{sent.CoreID()}, changed)

		reloaded, err := s.MessageUnitWithCoreID(ctx, sent.CoreID())
		require.NoError(t, err)
		assert.Equal(t, model.StateDelivered, reloaded.CurrentState())
	})

	t.Run("error", func(t *testing.T) {
		sent := storeAwaiting(t, s, "e-1")
		em := model.NewErrorMessage()
		em.SetMessageID("err-1")
		em.AddError(model.ErrorValueInconsistent.New("e-1", "bad"))
		stored, err := s.StoreIncomingMessageUnit(ctx, em)
		require.NoError(t, err)

		changed, err := CorrelateSignal(ctx, s, stored)
		require.NoError(t, err)
		assert.Equal(t, []string{sent.CoreID()}, changed)

		reloaded, err := s.MessageUnitWithCoreID(ctx, sent.CoreID())
		require.NoError(t, err)
		assert.Equal(t, model.StateFailure, reloaded.CurrentState())
	})

	t.Run("warning", func(t *testing.T) {
		sent := storeAwaiting(t, s, "w-1")
		em := model.NewErrorMessage()
		em.SetMessageID("err-2")
		em.AddError(model.ErrorEmptyMessagePartition.New("w-1", ""))
		stored, err := s.StoreIncomingMessageUnit(ctx, em)
		require.NoError(t, err)

		changed, err := CorrelateSignal(ctx, s, stored)
		require.NoError(t, err)
		assert.Empty(t, changed)

		reloaded, err := s.MessageUnitWithCoreID(ctx, sent.CoreID())
		require.NoError(t, err)
		assert.Equal(t, model.StateAwaitingReceipt, reloaded.CurrentState())
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := CorrelateSignal(ctx, s, model.NewPullRequest())
		assert.ErrorIs(t, err, storage.ErrWrongKind)
	})
}

func TestSettleTransmission(t *testing.T) {
	ctx := context.Background()

	sending := func(t *testing.T, s storage.Store, messageID string) *model.UserMessage {
		t.Helper()
		um := model.NewUserMessage()
		um.SetMessageID(messageID)
		stored, err := s.StoreOutgoingMessageUnit(ctx, um)
		require.NoError(t, err)
		require.NoError(t, s.SetProcessingState(ctx, stored, model.StateSending))
		return stored.(*model.UserMessage)
	}

	tests := []struct {
		name         string
		awaitReceipt bool
		sendErr      error
		want         model.ProcessingState
		wantErrors   int
	}{
		{name: "sent awaiting receipt", awaitReceipt: true, want: model.StateAwaitingReceipt},
		{name: "sent", want: model.StateDelivered},
		{name: "failed with retries", awaitReceipt: true, sendErr: errors.New("refused"), want: model.StateAwaitingReceipt},
		{name: "failed", sendErr: errors.New("refused"), want: model.StateFailure, wantErrors: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t)
			um := sending(t, s, "m-1")
			generated := model.GeneratedErrors{}

			settled, err := SettleTransmission(ctx, s, um, tc.awaitReceipt, tc.sendErr, generated)
			require.NoError(t, err)
			assert.True(t, settled)
			assert.Equal(t, tc.want, um.CurrentState())
			assert.Equal(t, tc.wantErrors, generated.Len())
		})
	}

	t.Run("signal settled first", func(t *testing.T) {
		s, _ := newStore(t)
		um := sending(t, s, "m-2")
		require.NoError(t, s.SetProcessingState(ctx, um, model.StateDelivered))
		generated := model.GeneratedErrors{}

		settled, err := SettleTransmission(ctx, s, um, false, errors.New("reset"), generated)
		require.NoError(t, err)
		assert.False(t, settled)
		assert.Zero(t, generated.Len())

		reloaded, err := s.MessageUnitWithCoreID(ctx, um.CoreID())
		require.NoError(t, err)
		assert.Equal(t, model.StateDelivered, reloaded.CurrentState())
	})
}
