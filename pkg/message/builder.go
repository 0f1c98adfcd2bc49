package message

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// idDomain is the right-hand side of generated message and content ids
const idDomain = "ebms.local"

var errNoPayload = errors.New("part property added before any payload")

// UserMessageBuilder assembles an outgoing user message header and its
// payload parts. Problems found while adding parts are reported by Build.
type UserMessageBuilder struct {
	header *UserMessage
	parts  []PayloadPart
	err    error
}

// Option configures a UserMessageBuilder
type Option func(*UserMessageBuilder)

// NewUserMessage starts a user message with a fresh message id, the current
// time and a new conversation id
func NewUserMessage(opts ...Option) *UserMessageBuilder {
	b := &UserMessageBuilder{
		header: &UserMessage{
			MessageInfo:       newMessageInfo(""),
			PartyInfo:         &PartyInfo{From: &Party{}, To: &Party{}},
			CollaborationInfo: &CollaborationInfo{ConversationId: uuid.NewString()},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func setParty(p *Party, id, idType string) {
	p.PartyId = []PartyId{{Type: idType, Value: id}}
	if p.Role == "" {
		p.Role = DefaultRole
	}
}

// WithFrom sets the sending party. The role defaults to DefaultRole.
func WithFrom(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) { setParty(b.header.PartyInfo.From, partyID, partyType) }
}

// WithTo sets the receiving party. The role defaults to DefaultRole.
func WithTo(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) { setParty(b.header.PartyInfo.To, partyID, partyType) }
}

func WithFromRole(role string) Option {
	return func(b *UserMessageBuilder) { b.header.PartyInfo.From.Role = role }
}

func WithToRole(role string) Option {
	return func(b *UserMessageBuilder) { b.header.PartyInfo.To.Role = role }
}

func WithService(service string) Option {
	return func(b *UserMessageBuilder) { b.header.CollaborationInfo.Service = Service{Value: service} }
}

func WithAction(action string) Option {
	return func(b *UserMessageBuilder) { b.header.CollaborationInfo.Action = action }
}

// WithConversationId replaces the generated conversation id
func WithConversationId(id string) Option {
	return func(b *UserMessageBuilder) { b.header.CollaborationInfo.ConversationId = id }
}

// WithRefToMessageId marks the message as a response to another one
func WithRefToMessageId(ref string) Option {
	return func(b *UserMessageBuilder) { b.header.MessageInfo.RefToMessageId = ref }
}

// WithPModeRef sets the agreement reference and the P-Mode the message is
// sent under. Either may be empty.
func WithPModeRef(agreementRef, pmodeID string) Option {
	return func(b *UserMessageBuilder) {
		b.header.CollaborationInfo.AgreementRef = &AgreementRef{Value: agreementRef, Pmode: pmodeID}
	}
}

// WithMPC sends the message on a non-default partition channel
func WithMPC(mpc string) Option {
	return func(b *UserMessageBuilder) { b.header.MPC = mpc }
}

// WithMessageProperty appends a message property. Repeated names are kept
// in order.
func WithMessageProperty(name, value string) Option {
	return func(b *UserMessageBuilder) {
		if b.header.MessageProperties == nil {
			b.header.MessageProperties = &MessageProperties{}
		}
		props := b.header.MessageProperties
		props.Property = append(props.Property, Property{Name: name, Value: value})
	}
}

// AddPayload adds an attachment part with a generated content id and a
// MimeType part property
func (b *UserMessageBuilder) AddPayload(data []byte, contentType string) *UserMessageBuilder {
	cid := uuid.NewString() + "@" + idDomain
	b.parts = append(b.parts, PayloadPart{ContentID: cid, ContentType: contentType, Data: data})

	if b.header.PayloadInfo == nil {
		b.header.PayloadInfo = &PayloadInfo{}
	}
	part := NewPartInfo(cid)
	part.SetMimeType(contentType)
	b.header.PayloadInfo.PartInfo = append(b.header.PayloadInfo.PartInfo, part)
	return b
}

// AddPartProperty adds a property to the most recently added payload
func (b *UserMessageBuilder) AddPartProperty(name, value string) *UserMessageBuilder {
	if b.header.PayloadInfo == nil || len(b.header.PayloadInfo.PartInfo) == 0 {
		b.err = errors.Join(b.err, fmt.Errorf("%w: %s", errNoPayload, name))
		return b
	}
	parts := b.header.PayloadInfo.PartInfo
	parts[len(parts)-1].AddPartProperty(name, value)
	return b
}

// Build returns the header and payload parts. It fails when a part
// property could not be placed or a mandatory field is missing; every
// missing field is named in the error.
func (b *UserMessageBuilder) Build() (*UserMessage, []PayloadPart, error) {
	if b.err != nil {
		return nil, nil, b.err
	}

	var missing []string
	if len(b.header.PartyInfo.From.PartyId) == 0 {
		missing = append(missing, "sender party")
	}
	if len(b.header.PartyInfo.To.PartyId) == 0 {
		missing = append(missing, "receiver party")
	}
	if b.header.CollaborationInfo.Service.Value == "" {
		missing = append(missing, "service")
	}
	if b.header.CollaborationInfo.Action == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("incomplete user message: missing %s", strings.Join(missing, ", "))
	}
	return b.header, b.parts, nil
}

// BuildEntity returns the message as a transient user message entity,
// ready to be submitted for sending
func (b *UserMessageBuilder) BuildEntity() (*model.UserMessage, error) {
	header, _, err := b.Build()
	if err != nil {
		return nil, err
	}
	return header.ToEntity(), nil
}

// NewMessageID returns a fresh globally unique message id
func NewMessageID() string {
	return uuid.NewString() + "@" + idDomain
}

func newMessageInfo(refTo string) *MessageInfo {
	return &MessageInfo{
		Timestamp:      time.Now().UTC(),
		MessageId:      NewMessageID(),
		RefToMessageId: refTo,
	}
}

// NewReceipt returns a receipt signal for the message refTo
func NewReceipt(refTo string) *SignalMessage {
	return &SignalMessage{MessageInfo: newMessageInfo(refTo), Receipt: &Receipt{}}
}

// NewError returns an error signal reporting errs about the message refTo
func NewError(refTo string, errs ...model.EbmsError) *SignalMessage {
	sm := &SignalMessage{MessageInfo: newMessageInfo(refTo)}
	for _, e := range errs {
		sm.Errors = append(sm.Errors, Error(e))
	}
	return sm
}

// NewPullRequest returns a pull request signal for mpc
func NewPullRequest(mpc string) *SignalMessage {
	return &SignalMessage{MessageInfo: newMessageInfo(""), PullRequest: &PullRequest{MPC: mpc}}
}
