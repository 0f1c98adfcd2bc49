package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sirosfoundation/go-ebms/pkg/compression"
	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// Default intake subjects
const (
	DefaultUserMessageSubject = "ebms.inbound.user"
	DefaultSignalSubject      = "ebms.inbound.signal"
)

// Intake accepts received message units for processing
type Intake interface {
	SubmitEntity(ctx context.Context, um *model.UserMessage) error
	SubmitSignal(ctx context.Context, sm *message.SignalMessage) error
}

// UserMessageEnvelope is the JSON form of a received user message: the
// header, optionally followed by the content of its payload parts
type UserMessageEnvelope struct {
	message.UserMessage
	Payloads []PayloadContent `json:"payloads,omitempty"`
}

// PayloadContent is the content of the header part whose href names
// ContentID
type PayloadContent struct {
	ContentID string `json:"contentId"`
	Data      []byte `json:"data"` // base64 in JSON
}

// Reply is sent back to requests carrying a reply subject
type Reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Subscriber feeds message units received as JSON on NATS subjects into
// an Intake
type Subscriber struct {
	conn          *nats.Conn
	intake        Intake
	userSubject   string
	signalSubject string
	payloadDir    string
	timeout       time.Duration
	logger        *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// SubscriberConfig holds subscriber settings
type SubscriberConfig struct {
	UserMessageSubject string
	SignalSubject      string
	// PayloadDir receives payload content carried by user messages.
	// Messages carrying content are rejected without it.
	PayloadDir string
	// SubmitTimeout bounds waiting for room in the intake queue
	SubmitTimeout time.Duration
	Logger        *slog.Logger
}

// NewSubscriber creates a subscriber on conn
func NewSubscriber(conn *nats.Conn, intake Intake, cfg SubscriberConfig) *Subscriber {
	if cfg.UserMessageSubject == "" {
		cfg.UserMessageSubject = DefaultUserMessageSubject
	}
	if cfg.SignalSubject == "" {
		cfg.SignalSubject = DefaultSignalSubject
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subscriber{
		conn:          conn,
		intake:        intake,
		userSubject:   cfg.UserMessageSubject,
		signalSubject: cfg.SignalSubject,
		payloadDir:    cfg.PayloadDir,
		timeout:       cfg.SubmitTimeout,
		logger:        cfg.Logger.With("component", "intake"),
	}
}

// Start subscribes to the intake subjects
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return errors.New("subscriber already started")
	}

	for subject, receive := range map[string]func([]byte) error{
		s.userSubject:   s.receiveUserMessage,
		s.signalSubject: s.receiveSignal,
	} {
		sub, err := s.conn.Subscribe(subject, s.handler(subject, receive))
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("intake started", "user_subject", s.userSubject, "signal_subject", s.signalSubject)
	return nil
}

// Stop removes the subscriptions
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe()
}

func (s *Subscriber) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("cannot unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

func (s *Subscriber) handler(subject string, receive func([]byte) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reply := Reply{Status: "queued"}
		if err := receive(msg.Data); err != nil {
			s.logger.Warn("message unit not accepted", "subject", subject, "error", err)
			reply = Reply{Status: "rejected", Error: err.Error()}
		}
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("cannot reply", "subject", subject, "error", err)
		}
	}
}

func (s *Subscriber) receiveUserMessage(data []byte) error {
	var env UserMessageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding user message: %w", err)
	}
	um := env.UserMessage.ToEntity()
	if err := s.storeContent(um, env.Payloads); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.intake.SubmitEntity(ctx, um)
}

// storeContent writes each content part to the payload directory and
// points the payload referencing it there
func (s *Subscriber) storeContent(um *model.UserMessage, parts []PayloadContent) error {
	if len(parts) == 0 {
		return nil
	}
	payloads := um.Payloads()
	for _, part := range parts {
		i := slices.IndexFunc(payloads, func(p model.Payload) bool {
			return message.MatchContentID(p.URI, part.ContentID)
		})
		if i < 0 {
			return fmt.Errorf("payload %q is not referenced by message %s", part.ContentID, um.MessageID())
		}
		if err := compression.WriteContent(s.payloadDir, &payloads[i], part.Data); err != nil {
			return fmt.Errorf("storing payload %q: %w", part.ContentID, err)
		}
	}
	um.SetPayloads(payloads)
	return nil
}

func (s *Subscriber) receiveSignal(data []byte) error {
	var sm message.SignalMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return fmt.Errorf("decoding signal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.intake.SubmitSignal(ctx, &sm)
}
