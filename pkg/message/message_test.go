package message

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

func testBuilder(opts ...Option) *UserMessageBuilder {
	base := []Option{
		WithFrom("sender-123", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		WithTo("receiver-456", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		WithService("http://example.com/service"),
		WithAction("processOrder"),
	}
	return NewUserMessage(append(base, opts...)...)
}

func TestUserMessageBuilder_BasicCreation(t *testing.T) {
	msg, payloads, err := testBuilder().Build()
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageInfo.MessageId)
	assert.NotEmpty(t, msg.CollaborationInfo.ConversationId)
	assert.Empty(t, payloads)

	require.Len(t, msg.PartyInfo.From.PartyId, 1)
	assert.Equal(t, "sender-123", msg.PartyInfo.From.PartyId[0].Value)
	assert.Equal(t, DefaultRole, msg.PartyInfo.From.Role)
	assert.Equal(t, "processOrder", msg.CollaborationInfo.Action)
}

func TestUserMessageBuilder_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"missing sender", []Option{WithTo("r", "t"), WithService("svc"), WithAction("act")}, "sender"},
		{"missing receiver", []Option{WithFrom("s", "t"), WithService("svc"), WithAction("act")}, "receiver"},
		{"missing service", []Option{WithFrom("s", "t"), WithTo("r", "t"), WithAction("act")}, "service"},
		{"missing action", []Option{WithFrom("s", "t"), WithTo("r", "t"), WithService("svc")}, "action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewUserMessage(tt.opts...).Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUserMessageBuilder_Payloads(t *testing.T) {
	builder := testBuilder()
	builder.AddPayload([]byte("payload1"), "text/plain")
	builder.AddPayload([]byte("<a/>"), "application/xml")
	builder.AddPartProperty("CompressionType", "application/gzip")

	msg, payloads, err := builder.Build()
	require.NoError(t, err)
	require.Len(t, msg.PayloadInfo.PartInfo, 2)
	require.Len(t, payloads, 2)
	assert.Equal(t, "application/xml", payloads[1].ContentType)
	assert.True(t, MatchContentID(payloads[1].ContentID, msg.PayloadInfo.PartInfo[1].Href))

	last := msg.PayloadInfo.PartInfo[1]
	assert.Equal(t, "application/xml", last.Property(PartPropertyMimeType))
	assert.Equal(t, "application/gzip", last.Property(PartPropertyCompressionType))
	assert.Empty(t, msg.PayloadInfo.PartInfo[0].Property(PartPropertyCompressionType))
}

func TestUserMessageBuilder_PartPropertyWithoutPayload(t *testing.T) {
	builder := testBuilder()
	builder.AddPartProperty("MimeType", "text/plain")
	_, _, err := builder.Build()
	assert.Error(t, err)
}

func TestUserMessageBuilder_BuildEntity(t *testing.T) {
	builder := testBuilder(
		WithMPC("urn:mpc:orders"),
		WithPModeRef("urn:agreement:1", "orders"),
		WithRefToMessageId("original-1"),
		WithMessageProperty("originalSender", "urn:party:a"),
	)
	builder.AddPayload([]byte("<order/>"), "application/xml")

	e, err := builder.BuildEntity()
	require.NoError(t, err)
	assert.Equal(t, "urn:mpc:orders", e.MPC())
	assert.Equal(t, "original-1", e.RefToMessageID())
	assert.Equal(t, "orders", e.CollaborationInfo().AgreementRef.PModeID)

	v, ok := e.MessageProperty("originalSender")
	assert.True(t, ok)
	assert.Equal(t, "urn:party:a", v)

	require.Len(t, e.Payloads(), 1)
	assert.Equal(t, model.ContainmentAttachment, e.Payloads()[0].Containment)
	assert.Equal(t, "application/xml", e.Payloads()[0].MimeType)
}

func receivedHeader() *UserMessage {
	return &UserMessage{
		MessageInfo: &MessageInfo{
			Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
			MessageId: "m-1@sender",
		},
		PartyInfo: &PartyInfo{
			From: &Party{PartyId: []PartyId{{Value: "a", Type: "t"}}, Role: "seller"},
			To:   &Party{PartyId: []PartyId{{Value: "b"}}, Role: "buyer"},
		},
		CollaborationInfo: &CollaborationInfo{
			AgreementRef:   &AgreementRef{Value: "urn:agreement", Pmode: "pm-1"},
			Service:        Service{Value: "urn:svc", Type: "x"},
			Action:         "submit",
			ConversationId: "conv-1",
		},
		MessageProperties: &MessageProperties{Property: []Property{{Name: "p", Value: "1"}}},
		PayloadInfo: &PayloadInfo{PartInfo: []PartInfo{
			{Href: "cid:part-1", PartProperties: &PartProperties{Property: []Property{{Name: "MimeType", Value: "text/xml"}}}},
			{Href: "#body", Description: "body part", Schema: &Schema{Location: "urn:xsd", Namespace: "urn:ns"}},
			{Href: "https://example.com/doc"},
		}},
	}
}

func TestToEntity_DeepCopy(t *testing.T) {
	header := receivedHeader()
	e := header.ToEntity()

	assert.Equal(t, "m-1@sender", e.MessageID())
	assert.Equal(t, time.UTC, e.Timestamp().Location())
	assert.Equal(t, "seller", e.Sender().Role)
	assert.Equal(t, "b", e.Receiver().PartyIDs[0].ID)
	assert.Equal(t, "pm-1", e.CollaborationInfo().AgreementRef.PModeID)
	assert.Equal(t, model.DefaultMPC, e.MPC())

	payloads := e.Payloads()
	require.Len(t, payloads, 3)
	assert.Equal(t, model.ContainmentAttachment, payloads[0].Containment)
	assert.Equal(t, "text/xml", payloads[0].MimeType)
	assert.Equal(t, model.ContainmentBody, payloads[1].Containment)
	assert.Equal(t, "urn:ns", payloads[1].SchemaRef.Namespace)
	assert.Equal(t, model.ContainmentExternal, payloads[2].Containment)

	// mutating the header afterwards does not reach the entity
	header.PartyInfo.From.PartyId[0].Value = "changed"
	header.MessageProperties.Property[0].Value = "changed"
	header.PayloadInfo.PartInfo[0].PartProperties.Property[0].Value = "changed"
	header.CollaborationInfo.AgreementRef.Pmode = "changed"

	assert.Equal(t, "a", e.Sender().PartyIDs[0].ID)
	v, _ := e.MessageProperty("p")
	assert.Equal(t, "1", v)
	got, _ := e.Payloads()[0].Property("MimeType")
	assert.Equal(t, "text/xml", got)
	assert.Equal(t, "pm-1", e.CollaborationInfo().AgreementRef.PModeID)
}

func TestFromEntity_RoundTrip(t *testing.T) {
	e := receivedHeader().ToEntity()
	back := FromEntity(e).ToEntity()

	assert.Equal(t, e.MessageID(), back.MessageID())
	assert.True(t, cmp.Equal(e.Sender(), back.Sender()), cmp.Diff(e.Sender(), back.Sender()))
	assert.True(t, cmp.Equal(e.CollaborationInfo(), back.CollaborationInfo()))
	assert.True(t, cmp.Equal(e.MessageProperties(), back.MessageProperties()))
	assert.True(t, cmp.Equal(e.Payloads(), back.Payloads()), cmp.Diff(e.Payloads(), back.Payloads()))
}

func TestSignalMessage_ToEntities(t *testing.T) {
	t.Run("receipt", func(t *testing.T) {
		sm := NewReceipt("m-1")
		sm.Receipt.Content = "<ebbp:NonRepudiationInformation/>"
		units, err := sm.ToEntities()
		require.NoError(t, err)
		require.Len(t, units, 1)
		r, ok := units[0].(*model.Receipt)
		require.True(t, ok)
		assert.Equal(t, "m-1", r.RefToMessageID())
		assert.Equal(t, sm.MessageInfo.MessageId, r.MessageID())
		assert.Equal(t, "<ebbp:NonRepudiationInformation/>", r.Content())
	})

	t.Run("errors", func(t *testing.T) {
		sm := NewError("m-2", model.ErrorOther.New("m-2", "invalid"), model.ErrorDeliveryFailure.New("m-2", ""))
		units, err := sm.ToEntities()
		require.NoError(t, err)
		em, ok := units[0].(*model.ErrorMessage)
		require.True(t, ok)
		require.Len(t, em.Errors(), 2)
		assert.Equal(t, "EBMS:0004", em.Errors()[0].ErrorCode)
		assert.Equal(t, "m-2", em.RefToMessageID())
	})

	t.Run("pull request", func(t *testing.T) {
		units, err := NewPullRequest("urn:mpc:1").ToEntities()
		require.NoError(t, err)
		pr, ok := units[0].(*model.PullRequest)
		require.True(t, ok)
		assert.Equal(t, "urn:mpc:1", pr.MPC())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := (&SignalMessage{MessageInfo: &MessageInfo{MessageId: "x"}}).ToEntities()
		assert.Error(t, err)
		_, err = (&SignalMessage{}).ToEntities()
		assert.Error(t, err)
	})
}

func TestNormalizeContentID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"cid:part@x", "part@x"},
		{"<part@x>", "part@x"},
		{"cid:<part@x>", "part@x"},
		{"part@x", "part@x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeContentID(tt.in), tt.in)
	}
	assert.Equal(t, "cid:part@x", NewPartInfo("<part@x>").Href)
}
