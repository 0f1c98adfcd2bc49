// Package storagetest provides a conformance suite for storage.Store
// implementations. Every backend runs it from its own tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// Clock is a manually advanced time source. Its times are millisecond
// aligned so every backend stores them without loss.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current clock time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d).Truncate(time.Millisecond)
}

// Factory returns a new, empty store using now as its time source. The
// factory registers cleanup of the store with t.
type Factory func(t *testing.T, now func() time.Time) storage.Store

// Run executes the conformance suite against stores created by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, clock *Clock)
	}{
		{"StoreIncoming", testStoreIncoming},
		{"StoreOutgoing", testStoreOutgoing},
		{"DuplicateMessageID", testDuplicateMessageID},
		{"UnitsInState", testUnitsInState},
		{"TransmissionCount", testTransmissionCount},
		{"AlreadyProcessed", testAlreadyProcessed},
		{"PModesInStateOrdering", testPModesInStateOrdering},
		{"LastStateChangeBefore", testLastStateChangeBefore},
		{"EnsureCompletelyLoaded", testEnsureCompletelyLoaded},
		{"UnitWithCoreID", testUnitWithCoreID},
		{"RelatedTo", testRelatedTo},
		{"StateChanges", testStateChanges},
		{"CompareAndSet", testCompareAndSet},
		{"SetPModeID", testSetPModeID},
		{"LockMessageID", testLockMessageID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			s := newStore(t, clock.Now)
			tt.fn(t, s, clock)
		})
	}
}

func userMessage(messageID string, ts time.Time) *model.UserMessage {
	um := model.NewUserMessage()
	um.SetMessageID(messageID)
	um.SetTimestamp(ts)
	um.SetSender(&model.TradingPartner{PartyIDs: []model.PartyID{{ID: "sender"}}, Role: "Seller"})
	um.SetReceiver(&model.TradingPartner{PartyIDs: []model.PartyID{{ID: "receiver"}}, Role: "Buyer"})
	um.SetCollaborationInfo(&model.CollaborationInfo{
		AgreementRef: &model.AgreementReference{Name: "agreement"},
		Service:      model.Service{Name: "urn:svc"},
		Action:       "act",
	})
	um.AddMessageProperty(model.Property{Name: "originalSender", Value: "acme"})
	um.AddPayload(model.Payload{
		Containment: model.ContainmentAttachment,
		URI:         "cid:" + messageID,
		MimeType:    "application/xml",
		Properties:  []model.Property{{Name: "MimeType", Value: "application/xml"}},
	})
	return um
}

func states(history []model.StateEntry) []model.ProcessingState {
	var out []model.ProcessingState
	for _, e := range history {
		out = append(out, e.State)
	}
	return out
}

func coreIDs(views []model.View) []string {
	var out []string
	for _, v := range views {
		out = append(out, v.CoreID())
	}
	return out
}

func setStates(t *testing.T, s storage.Store, clock *Clock, v model.View, seq ...model.ProcessingState) {
	t.Helper()
	for _, state := range seq {
		clock.Advance(time.Second)
		require.NoError(t, s.SetProcessingState(context.Background(), v, state))
	}
}

func testStoreIncoming(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()
	src := userMessage("m-1", clock.Now())

	stored, err := s.StoreIncomingMessageUnit(ctx, src)
	require.NoError(t, err)

	assert.NotEmpty(t, stored.CoreID())
	assert.Empty(t, src.CoreID(), "source must stay transient")
	assert.Equal(t, model.DirectionIn, stored.Direction())
	assert.Equal(t, model.StateReceived, stored.CurrentState())
	assert.Len(t, stored.History(), 1)

	// later changes to the source do not reach the stored unit
	src.SetSender(&model.TradingPartner{Role: "changed"})
	src.AddPayload(model.Payload{URI: "cid:other"})

	loaded, err := s.MessageUnitWithCoreID(ctx, stored.CoreID())
	require.NoError(t, err)
	um, ok := loaded.(*model.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "Seller", um.Sender().Role)
	assert.Equal(t, "Buyer", um.Receiver().Role)
	assert.Len(t, um.Payloads(), 1)
	assert.Equal(t, "act", um.CollaborationInfo().Action)
	v, _ := um.MessageProperty("originalSender")
	assert.Equal(t, "acme", v)
}

func testStoreOutgoing(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	um, err := s.StoreOutgoingMessageUnit(ctx, userMessage("m-out", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, model.DirectionOut, um.Direction())
	assert.Equal(t, model.StateSubmitted, um.CurrentState())

	r := model.NewReceipt()
	r.SetMessageID("r-1")
	r.SetRefToMessageID("m-in")
	r.SetContent("<ebbp:NonRepudiationInformation/>")
	receipt, err := s.StoreOutgoingMessageUnit(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, model.StateCreated, receipt.CurrentState())
	assert.False(t, receipt.Timestamp().IsZero(), "missing timestamp is set on storage")

	loaded, err := s.MessageUnitWithCoreID(ctx, receipt.CoreID())
	require.NoError(t, err)
	require.IsType(t, &model.Receipt{}, loaded)
	assert.Equal(t, "<ebbp:NonRepudiationInformation/>", loaded.(*model.Receipt).Content())
}

func testDuplicateMessageID(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	in, err := s.StoreIncomingMessageUnit(ctx, userMessage("dup", clock.Now()))
	require.NoError(t, err)
	out, err := s.StoreOutgoingMessageUnit(ctx, userMessage("dup", clock.Now()))
	require.NoError(t, err)
	_, err = s.StoreIncomingMessageUnit(ctx, userMessage("other", clock.Now()))
	require.NoError(t, err)

	all, err := s.MessageUnitsWithID(ctx, "dup")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{in.CoreID(), out.CoreID()}, coreIDs(all))

	onlyIn, err := s.MessageUnitsWithID(ctx, "dup", model.DirectionIn)
	require.NoError(t, err)
	assert.Equal(t, []string{in.CoreID()}, coreIDs(onlyIn))

	none, err := s.MessageUnitsWithID(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUnitsInState(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()
	base := clock.Now()

	newer, err := s.StoreIncomingMessageUnit(ctx, userMessage("newer", base.Add(time.Hour)))
	require.NoError(t, err)
	older, err := s.StoreIncomingMessageUnit(ctx, userMessage("older", base.Add(-time.Hour)))
	require.NoError(t, err)
	processing, err := s.StoreIncomingMessageUnit(ctx, userMessage("processing", base))
	require.NoError(t, err)
	setStates(t, s, clock, processing, model.StateProcessing)
	_, err = s.StoreOutgoingMessageUnit(ctx, userMessage("outgoing", base))
	require.NoError(t, err)

	views, err := s.MessageUnitsInState(ctx, model.KindUserMessage, model.DirectionIn,
		[]model.ProcessingState{model.StateReceived})
	require.NoError(t, err)
	assert.Equal(t, []string{older.CoreID(), newer.CoreID()}, coreIDs(views))

	views, err = s.MessageUnitsInState(ctx, model.KindUserMessage, model.DirectionIn,
		[]model.ProcessingState{model.StateReceived, model.StateProcessing})
	require.NoError(t, err)
	assert.Equal(t, []string{older.CoreID(), processing.CoreID(), newer.CoreID()}, coreIDs(views))

	views, err = s.MessageUnitsInState(ctx, model.KindReceipt, model.DirectionIn,
		[]model.ProcessingState{model.StateReceived})
	require.NoError(t, err)
	assert.Empty(t, views)
}

func testTransmissionCount(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	um, err := s.StoreIncomingMessageUnit(ctx, userMessage("m-1", clock.Now()))
	require.NoError(t, err)
	setStates(t, s, clock, um,
		model.StateSending, model.StateAwaitingReceipt, model.StateSending, model.StateFailure)

	assert.Equal(t, []model.ProcessingState{
		model.StateReceived, model.StateSending, model.StateAwaitingReceipt, model.StateSending, model.StateFailure,
	}, states(um.History()))

	n, err := s.NumberOfTransmissions(ctx, um)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the count comes from the store, not from the passed view
	summary := model.Summarize(um)
	n, err = s.NumberOfTransmissions(ctx, summary)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := s.StoreIncomingMessageUnit(ctx, model.NewReceipt())
	require.NoError(t, err)
	_, err = s.NumberOfTransmissions(ctx, r)
	assert.ErrorIs(t, err, storage.ErrWrongKind)
}

func testAlreadyProcessed(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	delivered, err := s.StoreIncomingMessageUnit(ctx, userMessage("M1", clock.Now()))
	require.NoError(t, err)
	setStates(t, s, clock, delivered, model.StateProcessing, model.StateDelivered)

	copyOfM1 := userMessage("M1", clock.Now())
	done, err := s.IsAlreadyProcessed(ctx, copyOfM1)
	require.NoError(t, err)
	assert.True(t, done)

	inProgress, err := s.StoreIncomingMessageUnit(ctx, userMessage("M2", clock.Now()))
	require.NoError(t, err)
	setStates(t, s, clock, inProgress, model.StateProcessing)

	done, err = s.IsAlreadyProcessed(ctx, userMessage("M2", clock.Now()))
	require.NoError(t, err)
	assert.False(t, done)

	failed, err := s.StoreIncomingMessageUnit(ctx, userMessage("M3", clock.Now()))
	require.NoError(t, err)
	setStates(t, s, clock, failed, model.StateFailure)
	done, err = s.IsAlreadyProcessed(ctx, userMessage("M3", clock.Now()))
	require.NoError(t, err)
	assert.True(t, done)

	// outgoing units never count
	out, err := s.StoreOutgoingMessageUnit(ctx, userMessage("M4", clock.Now()))
	require.NoError(t, err)
	setStates(t, s, clock, out, model.StateDelivered)
	done, err = s.IsAlreadyProcessed(ctx, userMessage("M4", clock.Now()))
	require.NoError(t, err)
	assert.False(t, done)

	_, err = s.IsAlreadyProcessed(ctx, model.NewReceipt())
	assert.ErrorIs(t, err, storage.ErrWrongKind)
}

func testPModesInStateOrdering(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	store := func(id, pmode string) model.MessageUnit {
		um, err := s.StoreOutgoingMessageUnit(ctx, userMessage(id, clock.Now()))
		require.NoError(t, err)
		require.NoError(t, s.SetPModeID(ctx, um, pmode))
		return um
	}

	late := store("late", "pm-a")
	tieA := store("tie-a", "pm-b")
	tieB := store("tie-b", "pm-a")
	other := store("other", "pm-c")
	waiting := store("waiting", "pm-a")

	// waiting entered the state first, the two ties at the same instant
	clock.Advance(time.Second)
	require.NoError(t, s.SetProcessingState(ctx, waiting, model.StateAwaitingReceipt))
	clock.Advance(time.Second)
	require.NoError(t, s.SetProcessingState(ctx, tieA, model.StateAwaitingReceipt))
	require.NoError(t, s.SetProcessingState(ctx, tieB, model.StateAwaitingReceipt))
	require.NoError(t, s.SetProcessingState(ctx, other, model.StateAwaitingReceipt))
	clock.Advance(time.Second)
	require.NoError(t, s.SetProcessingState(ctx, late, model.StateAwaitingReceipt))

	views, err := s.MessageUnitsForPModesInState(ctx, model.KindUserMessage,
		[]string{"pm-a", "pm-b"}, model.StateAwaitingReceipt)
	require.NoError(t, err)

	ties := []string{tieA.CoreID(), tieB.CoreID()}
	if ties[1] < ties[0] {
		ties[0], ties[1] = ties[1], ties[0]
	}
	assert.Equal(t, []string{waiting.CoreID(), ties[0], ties[1], late.CoreID()}, coreIDs(views))

	for _, v := range views {
		assert.Equal(t, model.StateAwaitingReceipt, v.CurrentState())
		assert.GreaterOrEqual(t, v.TimeInState(clock.Now()), time.Duration(0))
	}

	views, err = s.MessageUnitsForPModesInState(ctx, model.KindUserMessage, nil, model.StateAwaitingReceipt)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func testLastStateChangeBefore(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	first, err := s.StoreIncomingMessageUnit(ctx, userMessage("first", clock.Now()))
	require.NoError(t, err)
	cutoff := clock.Now()

	clock.Advance(time.Minute)
	second, err := s.StoreIncomingMessageUnit(ctx, userMessage("second", clock.Now()))
	require.NoError(t, err)

	views, err := s.MessageUnitsWithLastStateChangeBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{first.CoreID()}, coreIDs(views), "cutoff is inclusive")

	// a new state change moves the unit out of the result
	setStates(t, s, clock, first, model.StateProcessing)
	views, err = s.MessageUnitsWithLastStateChangeBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, views)

	views, err = s.MessageUnitsWithLastStateChangeBefore(ctx, clock.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.CoreID(), second.CoreID()}, coreIDs(views))
}

func testEnsureCompletelyLoaded(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	stored, err := s.StoreIncomingMessageUnit(ctx, userMessage("m-1", clock.Now()))
	require.NoError(t, err)
	setStates(t, s, clock, stored, model.StateProcessing)

	views, err := s.MessageUnitsInState(ctx, model.KindUserMessage, model.DirectionIn,
		[]model.ProcessingState{model.StateProcessing})
	require.NoError(t, err)
	require.Len(t, views, 1)

	full, err := s.EnsureCompletelyLoaded(ctx, views[0])
	require.NoError(t, err)
	um, ok := full.(*model.UserMessage)
	require.True(t, ok)
	assert.Len(t, um.Payloads(), 1)
	assert.Equal(t, []model.ProcessingState{model.StateReceived, model.StateProcessing}, states(um.History()))

	// local changes are discarded by the reload
	um.SetPModeID("local-only")
	um.AddPayload(model.Payload{URI: "cid:local"})
	again, err := s.EnsureCompletelyLoaded(ctx, um)
	require.NoError(t, err)
	assert.Empty(t, again.PModeID())
	assert.Len(t, again.(*model.UserMessage).Payloads(), 1)

	// idempotent
	third, err := s.EnsureCompletelyLoaded(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, again.CoreID(), third.CoreID())
}

func testUnitWithCoreID(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	mu, err := s.MessageUnitWithCoreID(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, mu)

	pr := model.NewPullRequest()
	pr.SetMessageID("pull-1")
	pr.SetMPC("urn:mpc:orders")
	stored, err := s.StoreOutgoingMessageUnit(ctx, pr)
	require.NoError(t, err)

	mu, err = s.MessageUnitWithCoreID(ctx, stored.CoreID())
	require.NoError(t, err)
	require.IsType(t, &model.PullRequest{}, mu)
	assert.Equal(t, "urn:mpc:orders", mu.(*model.PullRequest).MPC())
	assert.Equal(t, "pull-1", mu.MessageID())
}

func testRelatedTo(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	um, err := s.StoreOutgoingMessageUnit(ctx, userMessage("M1", clock.Now()))
	require.NoError(t, err)

	r := model.NewReceipt()
	r.SetMessageID("R1")
	r.SetRefToMessageID("M1")
	receipt, err := s.StoreIncomingMessageUnit(ctx, r)
	require.NoError(t, err)

	em := model.NewErrorMessage()
	em.SetMessageID("E1")
	em.AddError(model.ErrorDeliveryFailure.New("M1", "could not deliver"))
	em.AddError(model.ErrorOther.New("M9", "unrelated"))
	errSignal, err := s.StoreIncomingMessageUnit(ctx, em)
	require.NoError(t, err)

	_, err = s.StoreIncomingMessageUnit(ctx, userMessage("M2", clock.Now()))
	require.NoError(t, err)

	related, err := s.RelatedTo(ctx, um.CoreID())
	require.NoError(t, err)
	want := []string{receipt.CoreID(), errSignal.CoreID()}
	if want[1] < want[0] {
		want[0], want[1] = want[1], want[0]
	}
	assert.Equal(t, want, related)

	back, err := s.RelatedTo(ctx, receipt.CoreID())
	require.NoError(t, err)
	assert.Equal(t, []string{um.CoreID()}, back)

	none, err := s.RelatedTo(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStateChanges(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	um, err := s.StoreIncomingMessageUnit(ctx, userMessage("m-1", clock.Now()))
	require.NoError(t, err)
	received := um.StateSince()

	clock.Advance(time.Second)
	require.NoError(t, s.SetProcessingState(ctx, um, model.StateProcessing))
	assert.Equal(t, model.StateProcessing, um.CurrentState(), "append is mirrored into the entity")
	assert.True(t, um.StateSince().After(received))

	// terminal states do not block administrative appends
	setStates(t, s, clock, um, model.StateDelivered, model.StateSuspended)

	loaded, err := s.MessageUnitWithCoreID(ctx, um.CoreID())
	require.NoError(t, err)
	history := loaded.History()
	assert.Equal(t, []model.ProcessingState{
		model.StateReceived, model.StateProcessing, model.StateDelivered, model.StateSuspended,
	}, states(history))
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].At.Before(history[i-1].At), "history must be ordered")
	}
	assert.Equal(t, model.StateSuspended, loaded.CurrentState())

	transient := userMessage("m-2", clock.Now())
	err = s.SetProcessingState(ctx, transient, model.StateProcessing)
	assert.ErrorIs(t, err, storage.ErrNotStored)
}

func testCompareAndSet(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	um, err := s.StoreOutgoingMessageUnit(ctx, userMessage("m-1", clock.Now()))
	require.NoError(t, err)

	ok, err := s.CompareAndSetProcessingState(ctx, um, model.StateSubmitted, model.StateReadyToPush)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetProcessingState(ctx, um, model.StateSubmitted, model.StateFailure)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err := s.MessageUnitWithCoreID(ctx, um.CoreID())
	require.NoError(t, err)
	assert.Equal(t, model.StateReadyToPush, loaded.CurrentState())
	assert.Len(t, loaded.History(), 2)

	// concurrent claims: exactly one wins
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := s.MessageUnitWithCoreID(ctx, um.CoreID())
			if !assert.NoError(t, err) {
				return
			}
			ok, err := s.CompareAndSetProcessingState(ctx, view, model.StateReadyToPush, model.StateSending)
			if assert.NoError(t, err) && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func testSetPModeID(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	um, err := s.StoreIncomingMessageUnit(ctx, userMessage("m-1", clock.Now()))
	require.NoError(t, err)
	require.NoError(t, s.SetPModeID(ctx, um, "pm-1"))
	assert.Equal(t, "pm-1", um.PModeID(), "the caller's unit reflects the change")

	loaded, err := s.MessageUnitWithCoreID(ctx, um.CoreID())
	require.NoError(t, err)
	assert.Equal(t, "pm-1", loaded.PModeID())

	err = s.SetPModeID(ctx, userMessage("m-2", clock.Now()), "pm-1")
	assert.ErrorIs(t, err, storage.ErrNotStored)
}

func testLockMessageID(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()

	unlock, err := s.LockMessageID(ctx, "m-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = s.LockMessageID(waitCtx, "m-1")
	assert.Error(t, err, "second holder must wait until the first releases")

	otherUnlock, err := s.LockMessageID(ctx, "m-2")
	require.NoError(t, err)
	otherUnlock()

	acquired := make(chan struct{})
	go func() {
		u, err := s.LockMessageID(ctx, "m-1")
		if assert.NoError(t, err) {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not acquired after release")
	}
}
