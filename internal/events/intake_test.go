package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/internal/validators"
	"github.com/sirosfoundation/go-ebms/pkg/compression"
	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
)

type fakeIntake struct {
	mu      sync.Mutex
	users   []*model.UserMessage
	signals []*message.SignalMessage
	err     error
}

func (f *fakeIntake) SubmitEntity(_ context.Context, um *model.UserMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, um)
	return nil
}

func (f *fakeIntake) SubmitSignal(_ context.Context, sm *message.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.signals = append(f.signals, sm)
	return nil
}

func TestSubscriber_Defaults(t *testing.T) {
	s := NewSubscriber(nil, &fakeIntake{}, SubscriberConfig{})
	assert.Equal(t, DefaultUserMessageSubject, s.userSubject)
	assert.Equal(t, DefaultSignalSubject, s.signalSubject)
	assert.NotZero(t, s.timeout)
}

func TestSubscriber_ReceiveUserMessage(t *testing.T) {
	intake := &fakeIntake{}
	s := NewSubscriber(nil, intake, SubscriberConfig{})

	err := s.receiveUserMessage([]byte(`{"messageInfo":{"messageId":"m-1@test"},"collaborationInfo":{"service":{"value":"urn:orders"},"action":"submitOrder"}}`))
	require.NoError(t, err)
	require.Len(t, intake.users, 1)
	assert.Equal(t, "m-1@test", intake.users[0].MessageID())

	assert.Error(t, s.receiveUserMessage([]byte("{")))
}

func orderWithContent(t *testing.T, contentID string, content string) []byte {
	t.Helper()
	header, _, err := message.NewUserMessage(
		message.WithFrom("a", ""),
		message.WithTo("b", ""),
		message.WithService("urn:orders"),
		message.WithAction("submitOrder"),
	).AddPayload(nil, "application/xml").Build()
	require.NoError(t, err)
	if contentID == "" {
		contentID = header.PayloadInfo.PartInfo[0].Href
	}
	data, err := json.Marshal(UserMessageEnvelope{
		UserMessage: *header,
		Payloads:    []PayloadContent{{ContentID: contentID, Data: []byte(content)}},
	})
	require.NoError(t, err)
	return data
}

func TestSubscriber_ReceivePayloadContent(t *testing.T) {
	dir := t.TempDir()
	intake := &fakeIntake{}
	s := NewSubscriber(nil, intake, SubscriberConfig{PayloadDir: dir})

	require.NoError(t, s.receiveUserMessage(orderWithContent(t, "", `<Order xmlns="urn:orders"/>`)))
	require.Len(t, intake.users, 1)
	payloads := intake.users[0].Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, dir, filepath.Dir(payloads[0].ContentLocation))
	assert.True(t, compression.IsCompressed(payloads[0]))

	// the stored content satisfies the namespace check
	v, err := validators.NewXMLNamespace(map[string]string{"namespace": "urn:orders", "root": "Order"})
	require.NoError(t, err)
	findings, err := v.Validate(context.Background(), intake.users[0])
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestSubscriber_ReceivePayloadContent_Rejected(t *testing.T) {
	t.Run("no payload directory", func(t *testing.T) {
		intake := &fakeIntake{}
		s := NewSubscriber(nil, intake, SubscriberConfig{})
		err := s.receiveUserMessage(orderWithContent(t, "", `<Order/>`))
		assert.ErrorIs(t, err, compression.ErrNoPayloadDir)
		assert.Empty(t, intake.users)
	})

	t.Run("unreferenced part", func(t *testing.T) {
		intake := &fakeIntake{}
		s := NewSubscriber(nil, intake, SubscriberConfig{PayloadDir: t.TempDir()})
		err := s.receiveUserMessage(orderWithContent(t, "other@test", `<Order/>`))
		assert.ErrorContains(t, err, "not referenced")
		assert.Empty(t, intake.users)
	})
}

func TestSubscriber_ReceiveSignal(t *testing.T) {
	intake := &fakeIntake{}
	s := NewSubscriber(nil, intake, SubscriberConfig{})

	err := s.receiveSignal([]byte(`{"messageInfo":{"messageId":"r-1@test","refToMessageId":"m-1@test"},"receipt":{}}`))
	require.NoError(t, err)
	require.Len(t, intake.signals, 1)
	assert.NotNil(t, intake.signals[0].Receipt)

	intake.err = errors.New("queue full")
	assert.Error(t, s.receiveSignal([]byte(`{"messageInfo":{"messageId":"r-2@test"}}`)))
}
