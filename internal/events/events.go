// Package events publishes MSH lifecycle events to NATS
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/msh"
)

// Default subjects
const (
	// DefaultSubjectPrefix is prepended to the event type to form the subject
	DefaultSubjectPrefix = "ebms.events"
	// DefaultOutboundSubject carries user messages handed over for sending
	DefaultOutboundSubject = "ebms.outbound"
	// DefaultDeliverySubject carries received user messages for the back-end
	DefaultDeliverySubject = "ebms.delivery"
)

// Conn is the part of a NATS connection used by the publisher
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON form of a published msh.MessageEvent
type Event struct {
	Type      string                 `json:"type"`
	MessageID string                 `json:"messageId,omitempty"`
	CoreID    string                 `json:"coreId,omitempty"`
	PModeID   string                 `json:"pmodeId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	State     model.ProcessingState  `json:"state,omitempty"`
	Direction model.Direction        `json:"direction,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher turns lifecycle events into NATS messages
type Publisher struct {
	conn     Conn
	prefix   string
	outbound string
	delivery string
	logger   *slog.Logger
}

// Option configures a Publisher
type Option func(*Publisher)

// WithSubjectPrefix sets the subject prefix
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithOutboundSubject sets the subject outgoing user messages are sent on
func WithOutboundSubject(subject string) Option {
	return func(p *Publisher) {
		if subject != "" {
			p.outbound = subject
		}
	}
}

// WithDeliverySubject sets the subject received user messages are
// delivered on
func WithDeliverySubject(subject string) Option {
	return func(p *Publisher) {
		if subject != "" {
			p.delivery = subject
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a publisher on conn
func NewPublisher(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{
		conn:     conn,
		prefix:   DefaultSubjectPrefix,
		outbound: DefaultOutboundSubject,
		delivery: DefaultDeliverySubject,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "events")
	return p
}

// Connect opens a NATS connection suitable for a Publisher
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject an event of type eventType is published on
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends ev
func (p *Publisher) Publish(ev msh.MessageEvent) error {
	out := Event{
		Type:      ev.Type,
		MessageID: ev.MessageID,
		CoreID:    ev.CoreID,
		PModeID:   ev.PModeID,
		Timestamp: ev.Timestamp.UTC(),
		State:     ev.State,
		Direction: ev.Direction,
		Data:      ev.Data,
	}
	if ev.Error != nil {
		out.Error = ev.Error.Error()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type, err)
	}
	return nil
}

// HandleEvent publishes ev and logs failures. It has the signature of
// msh.EventHandler.
func (p *Publisher) HandleEvent(ev msh.MessageEvent) {
	if err := p.Publish(ev); err != nil {
		p.logger.Warn("cannot publish event",
			"type", ev.Type,
			"message_id", ev.MessageID,
			"error", err)
	}
}

// Transmit sends the outgoing user message um on the outbound subject, in
// its JSON message form
func (p *Publisher) Transmit(ctx context.Context, um *model.UserMessage) error {
	if err := p.sendMessage(ctx, p.outbound, um); err != nil {
		return fmt.Errorf("transmitting %s: %w", um.MessageID(), err)
	}
	return nil
}

// Deliver hands the received user message um to the back-end on the
// delivery subject. It has the signature of reliability.Deliverer.
func (p *Publisher) Deliver(ctx context.Context, um *model.UserMessage) error {
	if err := p.sendMessage(ctx, p.delivery, um); err != nil {
		return fmt.Errorf("delivering %s: %w", um.MessageID(), err)
	}
	return nil
}

func (p *Publisher) sendMessage(ctx context.Context, subject string, um *model.UserMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(message.FromEntity(um))
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}
	return p.conn.Publish(subject, data)
}

// SignalSubject returns the subject error signals for outgoing messages
// are published on
func (p *Publisher) SignalSubject() string {
	return p.outbound + ".signal"
}

// HandleErrors publishes an error signal reporting errs for messageID. It
// has the signature of msh.ErrorHandler.
func (p *Publisher) HandleErrors(messageID string, errs []model.EbmsError) {
	if len(errs) == 0 {
		return
	}
	generated := model.GeneratedErrors{messageID: errs}
	signal := generated.ErrorSignal(messageID, message.NewMessageID(), time.Now().UTC())
	data, err := json.Marshal(message.FromErrorMessage(signal))
	if err == nil {
		err = p.conn.Publish(p.SignalSubject(), data)
	}
	if err != nil {
		p.logger.Warn("cannot publish error signal",
			"ref_message_id", messageID,
			"errors", len(errs),
			"error", err)
	}
}

// LogConn is a Conn that only logs what would be published. It stands in
// for NATS when no server is configured.
type LogConn struct {
	Logger *slog.Logger
}

// Publish logs subject and the size of data
func (c LogConn) Publish(subject string, data []byte) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("publish without NATS", "subject", subject, "bytes", len(data))
	return nil
}

// Fanout returns an event handler calling every non-nil handler in order
func Fanout(handlers ...msh.EventHandler) msh.EventHandler {
	var hs []msh.EventHandler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(ev msh.MessageEvent) {
		for _, h := range hs {
			h(ev)
		}
	}
}
