package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// Document is the flat persistable form of a message unit. The base fields
// and the current state are always present; the variant fields are only
// loaded for complete entities.
type Document struct {
	CoreID         string                `bson:"_id" json:"coreId"`
	Kind           model.Kind            `bson:"kind" json:"kind"`
	MessageID      string                `bson:"message_id" json:"messageId"`
	RefToMessageID string                `bson:"ref_to_message_id,omitempty" json:"refToMessageId,omitempty"`
	Direction      model.Direction       `bson:"direction" json:"direction"`
	PModeID        string                `bson:"pmode_id,omitempty" json:"pmodeId,omitempty"`
	Timestamp      time.Time             `bson:"timestamp" json:"timestamp"`
	CurrentState   model.ProcessingState `bson:"current_state" json:"currentState"`
	StateSince     time.Time             `bson:"state_since" json:"stateSince"`
	States         []model.StateEntry    `bson:"states" json:"states,omitempty"`

	// ErrorRefs holds the distinct refToMessageInError values of an error
	// signal so relations can be queried without decoding the errors
	ErrorRefs []string `bson:"error_refs,omitempty" json:"errorRefs,omitempty"`

	// User message and pull request
	MPC string `bson:"mpc,omitempty" json:"mpc,omitempty"`

	// User message
	Sender            *model.TradingPartner    `bson:"sender,omitempty" json:"sender,omitempty"`
	Receiver          *model.TradingPartner    `bson:"receiver,omitempty" json:"receiver,omitempty"`
	CollaborationInfo *model.CollaborationInfo `bson:"collaboration_info,omitempty" json:"collaborationInfo,omitempty"`
	MessageProperties []model.Property         `bson:"message_properties,omitempty" json:"messageProperties,omitempty"`
	Payloads          []model.Payload          `bson:"payloads,omitempty" json:"payloads,omitempty"`

	// Receipt
	ReceiptContent string `bson:"receipt_content,omitempty" json:"receiptContent,omitempty"`

	// Error signal
	Errors []model.EbmsError `bson:"errors,omitempty" json:"errors,omitempty"`
}

// NewDocument returns the persistable form of mu
func NewDocument(mu model.MessageUnit) *Document {
	d := &Document{
		CoreID:         mu.CoreID(),
		Kind:           mu.Kind(),
		MessageID:      mu.MessageID(),
		RefToMessageID: mu.RefToMessageID(),
		Direction:      mu.Direction(),
		PModeID:        mu.PModeID(),
		Timestamp:      mu.Timestamp(),
		CurrentState:   mu.CurrentState(),
		StateSince:     mu.StateSince(),
		States:         mu.History(),
	}
	switch v := mu.(type) {
	case *model.UserMessage:
		d.MPC = v.MPC()
		d.Sender = v.Sender()
		d.Receiver = v.Receiver()
		d.CollaborationInfo = v.CollaborationInfo()
		d.MessageProperties = v.MessageProperties()
		d.Payloads = v.Payloads()
	case *model.Receipt:
		d.ReceiptContent = v.Content()
	case *model.ErrorMessage:
		d.RefToMessageID = v.Unit.RefToMessageID()
		d.Errors = v.Errors()
		d.ErrorRefs = v.ErrorRefs()
	case *model.PullRequest:
		d.MPC = v.MPC()
	}
	return d
}

// NewStoredDocument returns the document for persisting a copy of mu as a
// new unit in direction: a fresh core id and a history holding only the
// initial state entered at now. A zero Timestamp is set to now.
func NewStoredDocument(mu model.MessageUnit, direction model.Direction, now time.Time) *Document {
	d := NewDocument(mu)
	d.CoreID = uuid.NewString()
	d.Direction = direction
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}
	initial := InitialState(d.Kind, direction)
	d.States = []model.StateEntry{{State: initial, At: now}}
	d.CurrentState = initial
	d.StateSince = now
	return d
}

// AppendState appends state to the document history and returns the stored
// entry. The time is clamped like model.StateHistory.Append.
func (d *Document) AppendState(state model.ProcessingState, at time.Time) model.StateEntry {
	if at.Before(d.StateSince) {
		at = d.StateSince
	}
	e := model.StateEntry{State: state, At: at}
	d.States = append(d.States, e)
	d.CurrentState = state
	d.StateSince = at
	return e
}

// Entity rebuilds the complete message unit held by the document
func (d *Document) Entity() (model.MessageUnit, error) {
	mu, err := model.New(d.Kind)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", d.CoreID, err)
	}
	switch v := mu.(type) {
	case *model.UserMessage:
		d.setBase(&v.Unit)
		v.SetMPC(d.MPC)
		v.SetSender(d.Sender)
		v.SetReceiver(d.Receiver)
		v.SetCollaborationInfo(d.CollaborationInfo)
		v.SetMessageProperties(d.MessageProperties)
		v.SetPayloads(d.Payloads)
	case *model.Receipt:
		d.setBase(&v.Unit)
		v.SetContent(d.ReceiptContent)
	case *model.ErrorMessage:
		d.setBase(&v.Unit)
		v.SetErrors(d.Errors)
	case *model.PullRequest:
		d.setBase(&v.Unit)
		v.SetMPC(d.MPC)
	}
	model.Restore(mu, d.CoreID, d.States)
	return mu, nil
}

// Summary returns the partially loaded view of the document: base fields
// and the current state only
func (d *Document) Summary() *model.Summary {
	s := model.NewSummary(d.Kind)
	d.setBase(&s.Unit)
	var current []model.StateEntry
	if d.CurrentState != "" {
		current = []model.StateEntry{{State: d.CurrentState, At: d.StateSince}}
	}
	model.Restore(s, d.CoreID, current)
	return s
}

func (d *Document) setBase(u *model.Unit) {
	u.SetMessageID(d.MessageID)
	u.SetRefToMessageID(d.RefToMessageID)
	u.SetDirection(d.Direction)
	u.SetPModeID(d.PModeID)
	u.SetTimestamp(d.Timestamp)
}
