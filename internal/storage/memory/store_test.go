package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/internal/storage/storagetest"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		s := New(WithClock(now))
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	})
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close(ctx))

	assert.ErrorIs(t, s.Ping(ctx), storage.ErrStorageFailure)

	_, err := s.StoreIncomingMessageUnit(ctx, model.NewUserMessage())
	assert.ErrorIs(t, err, storage.ErrStorageFailure)

	_, err = s.MessageUnitsInState(ctx, model.KindUserMessage, model.DirectionIn, []model.ProcessingState{model.StateReceived})
	assert.ErrorIs(t, err, storage.ErrStorageFailure)
}

func TestStore_RejectsUnknownState(t *testing.T) {
	ctx := context.Background()
	s := New()
	um, err := s.StoreIncomingMessageUnit(ctx, model.NewUserMessage())
	require.NoError(t, err)

	err = s.SetProcessingState(ctx, um, "BOGUS")
	assert.Error(t, err)
	assert.Equal(t, model.StateReceived, um.CurrentState())
}
