package msh

import (
	"context"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/reliability"
	"github.com/sirosfoundation/go-ebms/pkg/validation"
)

// Event types emitted by the MSH
const (
	EventQueued    = "message.queued"
	EventReceived  = "message.received"
	EventRejected  = "message.rejected"
	EventDelivered = "message.delivered"
	EventDuplicate = "message.duplicate"
	EventFailed    = "message.failed"
	EventSubmitted = "message.submitted"
	EventPulled    = "message.pulled"
	EventSignal    = "signal.processed"
	EventEmptyPull = "pull.empty"
	EventError     = "message.error"
)

// InboundMessage is a received message queued for processing. Exactly one
// of Entity, UserMessage and Signal is set.
type InboundMessage struct {
	Entity      *model.UserMessage
	UserMessage *message.UserMessage
	Signal      *message.SignalMessage
	ReceivedAt  time.Time
}

func (in *InboundMessage) messageID() string {
	switch {
	case in.Entity != nil:
		return in.Entity.MessageID()
	case in.UserMessage != nil && in.UserMessage.MessageInfo != nil:
		return in.UserMessage.MessageInfo.MessageId
	case in.Signal != nil && in.Signal.MessageInfo != nil:
		return in.Signal.MessageInfo.MessageId
	}
	return ""
}

// Result is the outcome of processing a received user message
type Result struct {
	Unit       *model.UserMessage
	Validation *validation.Result
	Outcome    reliability.Outcome
	Errors     []model.EbmsError

	// Attempted is false when the message was rejected before delivery
	Attempted bool
}

// MessageEvent represents an event in the message lifecycle
type MessageEvent struct {
	Type      string
	MessageID string
	CoreID    string
	PModeID   string
	Timestamp time.Time
	State     model.ProcessingState
	Direction model.Direction
	Error     error
	Data      map[string]interface{}
}

// Transmitter sends an outgoing user message to its receiver
type Transmitter interface {
	Transmit(ctx context.Context, um *model.UserMessage) error
}

// EventHandler is the callback function for message lifecycle events
type EventHandler func(MessageEvent)

// ErrorHandler receives the errors generated while processing the message
// with messageID
type ErrorHandler func(messageID string, errs []model.EbmsError)
