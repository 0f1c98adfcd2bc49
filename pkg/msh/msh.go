package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
	"github.com/sirosfoundation/go-ebms/pkg/reliability"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
	"github.com/sirosfoundation/go-ebms/pkg/validation"
)

var (
	// ErrMSHNotStarted is returned when operations are attempted on a stopped MSH
	ErrMSHNotStarted = errors.New("MSH not started")
	// ErrMSHAlreadyStarted is returned when Start is called on a running MSH
	ErrMSHAlreadyStarted = errors.New("MSH already started")
	// ErrInvalidMessage is returned for malformed messages
	ErrInvalidMessage = errors.New("invalid message")
)

// MSH (Message Service Handler) processes received message units on a pool
// of workers and records every step in the message unit store.
type MSH struct {
	store       storage.Store
	pmodes      pmode.Resolver
	pipeline    *validation.Pipeline
	deliverer   reliability.Deliverer
	transmitter Transmitter
	logger      *slog.Logger
	now         func() time.Time

	eventHandler EventHandler
	errorHandler ErrorHandler

	inboundQueue chan *InboundMessage
	eventQueue   chan MessageEvent

	mu      sync.RWMutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workerCount  int
	maxQueueSize int
}

// Config holds configuration for the MSH
type Config struct {
	Store     storage.Store
	PModes    pmode.Resolver
	Deliverer reliability.Deliverer

	// Transmitter hands pulled user messages to the pulling party. Without
	// one, the message returned by Pull is the reply.
	Transmitter Transmitter

	// Validation defaults to a pipeline without registered validators
	Validation *validation.Pipeline

	EventHandler EventHandler
	ErrorHandler ErrorHandler
	Logger       *slog.Logger
	Clock        func() time.Time

	WorkerCount  int
	MaxQueueSize int
}

// NewMSH creates a new Message Service Handler with the provided configuration
func NewMSH(config Config) (*MSH, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.PModes == nil {
		return nil, errors.New("P-Mode resolver is required")
	}
	if config.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}

	if config.WorkerCount == 0 {
		config.WorkerCount = 4
	}
	if config.MaxQueueSize == 0 {
		config.MaxQueueSize = 100
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Validation == nil {
		config.Validation = validation.NewPipeline(config.PModes, validation.NewRegistry(), validation.WithLogger(config.Logger))
	}

	return &MSH{
		store:        config.Store,
		pmodes:       config.PModes,
		pipeline:     config.Validation,
		deliverer:    config.Deliverer,
		transmitter:  config.Transmitter,
		logger:       config.Logger.With("component", "msh"),
		now:          config.Clock,
		eventHandler: config.EventHandler,
		errorHandler: config.ErrorHandler,
		inboundQueue: make(chan *InboundMessage, config.MaxQueueSize),
		eventQueue:   make(chan MessageEvent, config.MaxQueueSize),
		workerCount:  config.WorkerCount,
		maxQueueSize: config.MaxQueueSize,
	}, nil
}

// Start begins async message processing
func (m *MSH) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMSHAlreadyStarted
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.inboundWorker(i)
	}

	m.wg.Add(1)
	go m.eventDispatcher()

	m.logger.Info("MSH started", "workers", m.workerCount, "queue_size", m.maxQueueSize)
	return nil
}

// Stop shuts down the MSH. Messages still queued are not processed.
func (m *MSH) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMSHNotStarted
	}

	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("MSH stopped")
	return nil
}

// Submit queues a received user message for processing
func (m *MSH) Submit(ctx context.Context, um *message.UserMessage) error {
	if um == nil || um.MessageInfo == nil || um.MessageInfo.MessageId == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidMessage)
	}
	return m.enqueue(ctx, &InboundMessage{UserMessage: um, ReceivedAt: m.now()})
}

// SubmitEntity queues a received user message that was already converted,
// for example with its payload content stored locally
func (m *MSH) SubmitEntity(ctx context.Context, um *model.UserMessage) error {
	if um == nil || um.MessageID() == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidMessage)
	}
	return m.enqueue(ctx, &InboundMessage{Entity: um, ReceivedAt: m.now()})
}

// SubmitSignal queues a received signal message for processing
func (m *MSH) SubmitSignal(ctx context.Context, sm *message.SignalMessage) error {
	if sm == nil || sm.MessageInfo == nil || sm.MessageInfo.MessageId == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidMessage)
	}
	return m.enqueue(ctx, &InboundMessage{Signal: sm, ReceivedAt: m.now()})
}

func (m *MSH) enqueue(ctx context.Context, in *InboundMessage) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()

	if !running {
		return ErrMSHNotStarted
	}

	select {
	case m.inboundQueue <- in:
		m.emitEvent(MessageEvent{
			Type:      EventQueued,
			MessageID: in.messageID(),
			Direction: model.DirectionIn,
			Timestamp: m.now(),
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inboundWorker processes inbound messages from the queue
func (m *MSH) inboundWorker(id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case in := <-m.inboundQueue:
			var err error
			switch {
			case in.Entity != nil:
				_, err = m.ProcessUserMessage(m.ctx, in.Entity)
			case in.UserMessage != nil:
				_, err = m.ProcessUserMessage(m.ctx, in.UserMessage.ToEntity())
			default:
				err = m.ProcessSignal(m.ctx, in.Signal)
			}
			if err != nil {
				m.handleError(in.messageID(), err)
			}
		}
	}
}

// eventDispatcher sends events to the event handler
func (m *MSH) eventDispatcher() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventQueue:
			if m.eventHandler != nil {
				m.eventHandler(event)
			}
		}
	}
}

// ProcessUserMessage runs the complete inbound flow for a received user
// message. Rejections and delivery failures are reported in the Result;
// the returned error is a storage failure.
func (m *MSH) ProcessUserMessage(ctx context.Context, entity *model.UserMessage) (*Result, error) {
	generated := make(model.GeneratedErrors)

	stored, err := m.store.StoreIncomingMessageUnit(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("storing received message: %w", err)
	}
	um := stored.(*model.UserMessage)
	res := &Result{Unit: um}
	m.emitUnitEvent(EventReceived, um, nil)

	if err := m.store.SetProcessingState(ctx, um, model.StateProcessing); err != nil {
		return res, err
	}

	pm, err := m.pmodes.ResolveUserMessage(um)
	if err != nil {
		m.logger.Warn("no P-Mode for received message", "message_id", um.MessageID(), "error", err)
		generated.Add(um.MessageID(), model.ErrorProcessingModeMismatch.New(um.MessageID(), err.Error()))
		return m.fail(ctx, res, generated, EventFailed, err)
	}
	if err := m.store.SetPModeID(ctx, um, pm.ID); err != nil {
		return res, err
	}

	vres, verr := m.pipeline.Evaluate(ctx, um, pm.CustomValidation, generated)
	if vres != nil {
		vres.PModeID = pm.ID
	}
	res.Validation = vres
	if verr != nil && !errors.Is(verr, validation.ErrPolicyMisconfiguration) {
		return res, verr
	}
	if vres != nil && vres.Transition == model.StateFailure {
		return m.fail(ctx, res, generated, EventRejected, verr)
	}

	if err := m.store.SetProcessingState(ctx, um, model.StateReadyForDelivery); err != nil {
		return res, err
	}
	res.Attempted = true
	outcome, err := reliability.DeliverOnce(ctx, m.store, um, m.deliverer, generated)
	if err != nil {
		return res, err
	}
	res.Outcome = outcome

	switch outcome {
	case reliability.Delivered:
		m.logger.Info("message delivered", "message_id", um.MessageID(), "pmode", pm.ID)
		m.emitUnitEvent(EventDelivered, um, nil)
	case reliability.Duplicate:
		m.logger.Info("duplicate message not delivered", "message_id", um.MessageID())
		m.emitUnitEvent(EventDuplicate, um, nil)
	case reliability.DeliveryFailed:
		m.logger.Warn("delivery failed", "message_id", um.MessageID())
		m.emitUnitEvent(EventFailed, um, nil)
	}

	m.reportErrors(res, generated)
	return res, nil
}

// fail moves the received unit to FAILURE and reports the generated
// errors. The message id stays locked meanwhile so duplicate detection of
// other copies sees either state.
func (m *MSH) fail(ctx context.Context, res *Result, generated model.GeneratedErrors, event string, cause error) (*Result, error) {
	unlock, err := m.store.LockMessageID(ctx, res.Unit.MessageID())
	if err != nil {
		return res, err
	}
	err = m.store.SetProcessingState(ctx, res.Unit, model.StateFailure)
	unlock()
	if err != nil {
		return res, err
	}
	m.emitUnitEvent(event, res.Unit, cause)
	m.reportErrors(res, generated)
	return res, nil
}

func (m *MSH) reportErrors(res *Result, generated model.GeneratedErrors) {
	res.Errors = generated.Get(res.Unit.MessageID())
	if len(res.Errors) == 0 || m.errorHandler == nil {
		return
	}
	if pm := m.pmodes.GetPMode(res.Unit.PModeID()); pm != nil && !pm.ReportsErrors() {
		m.logger.Debug("errors not reported", "message_id", res.Unit.MessageID(), "pmode", pm.ID)
		return
	}
	m.errorHandler(res.Unit.MessageID(), res.Errors)
}

// ProcessSignal stores the signals carried by sm and applies them
func (m *MSH) ProcessSignal(ctx context.Context, sm *message.SignalMessage) error {
	units, err := sm.ToEntities()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	for _, u := range units {
		stored, err := m.store.StoreIncomingMessageUnit(ctx, u)
		if err != nil {
			return fmt.Errorf("storing received signal: %w", err)
		}

		if pr, ok := stored.(*model.PullRequest); ok {
			if err := m.processPullRequest(ctx, pr); err != nil {
				return err
			}
			continue
		}

		changed, err := reliability.CorrelateSignal(ctx, m.store, stored)
		if err != nil {
			return err
		}
		m.logger.Debug("signal processed",
			"message_id", stored.MessageID(),
			"kind", stored.Kind(),
			"ref_to_message_id", stored.RefToMessageID(),
			"changed", len(changed))
		m.emitEvent(MessageEvent{
			Type:      EventSignal,
			MessageID: stored.MessageID(),
			CoreID:    stored.CoreID(),
			Timestamp: m.now(),
			State:     stored.CurrentState(),
			Direction: model.DirectionIn,
			Data:      map[string]interface{}{"kind": string(stored.Kind()), "changed": changed},
		})
	}
	return nil
}

func (m *MSH) processPullRequest(ctx context.Context, pr *model.PullRequest) error {
	um, err := m.Pull(ctx, pr.MPC())
	if err != nil {
		return err
	}
	if err := m.store.SetProcessingState(ctx, pr, model.StateDone); err != nil {
		return err
	}
	if um == nil {
		if m.errorHandler != nil {
			m.errorHandler(pr.MessageID(), []model.EbmsError{model.ErrorEmptyMessagePartition.New(pr.MessageID(), pr.MPC())})
		}
		m.emitUnitEvent(EventEmptyPull, pr, nil)
		return nil
	}
	m.emitUnitEvent(EventPulled, um, nil)
	return nil
}

// Pull takes the oldest user message waiting to be pulled from mpc, hands
// it to the Transmitter and records the outcome like the sender does: the
// message then awaits a receipt when its P-Mode retries, else it is
// DELIVERED. It returns nil when the channel is empty.
func (m *MSH) Pull(ctx context.Context, mpc string) (*model.UserMessage, error) {
	um, err := m.take(ctx, mpc)
	if err != nil || um == nil {
		return nil, err
	}

	var sendErr error
	if m.transmitter != nil {
		sendErr = m.transmitter.Transmit(ctx, um)
	}
	pm := m.pmodes.GetPMode(um.PModeID())
	generated := make(model.GeneratedErrors)
	settled, err := reliability.SettleTransmission(ctx, m.store, um, pm != nil && pm.Retry() != nil, sendErr, generated)
	if err != nil {
		return um, err
	}
	if sendErr != nil {
		m.logger.Warn("pulled message not transmitted", "message_id", um.MessageID(), "error", sendErr)
	}
	if !settled {
		m.logger.Debug("pulled message settled by a signal", "message_id", um.MessageID())
	}
	errs := generated.Get(um.MessageID())
	if len(errs) > 0 && m.errorHandler != nil && (pm == nil || pm.NotifiesProducer()) {
		m.errorHandler(um.MessageID(), errs)
	}
	return um, nil
}

// take moves the oldest user message waiting on mpc to SENDING
func (m *MSH) take(ctx context.Context, mpc string) (*model.UserMessage, error) {
	if mpc == "" {
		mpc = model.DefaultMPC
	}
	views, err := m.store.MessageUnitsInState(ctx, model.KindUserMessage, model.DirectionOut,
		[]model.ProcessingState{model.StateAwaitingPull})
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		mu, err := m.store.EnsureCompletelyLoaded(ctx, v)
		if err != nil {
			return nil, err
		}
		um, ok := mu.(*model.UserMessage)
		if !ok || um.MPC() != mpc {
			continue
		}
		taken, err := m.store.CompareAndSetProcessingState(ctx, um, model.StateAwaitingPull, model.StateSending)
		if err != nil {
			return nil, err
		}
		if taken {
			return um, nil
		}
	}
	return nil, nil
}

// SubmitOutbound stores a new user message to be sent and queues it for
// pushing, or for pulling when its P-Mode uses the pull binding
func (m *MSH) SubmitOutbound(ctx context.Context, um *model.UserMessage) (*model.UserMessage, error) {
	if err := m.validateOutboundMessage(um); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	pm, err := m.pmodes.ResolveUserMessage(um)
	if err != nil {
		return nil, err
	}

	stored, err := m.store.StoreOutgoingMessageUnit(ctx, um)
	if err != nil {
		return nil, fmt.Errorf("storing outgoing message: %w", err)
	}
	out := stored.(*model.UserMessage)
	if err := m.store.SetPModeID(ctx, out, pm.ID); err != nil {
		return out, err
	}

	next := model.StateReadyToPush
	if pm.MEPBinding == pmode.MEPBindingPull {
		next = model.StateAwaitingPull
	}
	if err := m.store.SetProcessingState(ctx, out, next); err != nil {
		return out, err
	}
	m.emitUnitEvent(EventSubmitted, out, nil)
	return out, nil
}

// validateOutboundMessage checks if an outbound message is valid
func (m *MSH) validateOutboundMessage(um *model.UserMessage) error {
	if um == nil {
		return errors.New("message is required")
	}
	if um.MessageID() == "" {
		return errors.New("message ID is required")
	}
	if um.Sender() == nil || len(um.Sender().PartyIDs) == 0 {
		return errors.New("from party ID is required")
	}
	if um.Receiver() == nil || len(um.Receiver().PartyIDs) == 0 {
		return errors.New("to party ID is required")
	}
	ci := um.CollaborationInfo()
	if ci == nil || ci.Service.Name == "" {
		return errors.New("service is required")
	}
	if ci.Action == "" {
		return errors.New("action is required")
	}
	return nil
}

func (m *MSH) emitUnitEvent(typ string, v model.View, err error) {
	m.emitEvent(MessageEvent{
		Type:      typ,
		MessageID: v.MessageID(),
		CoreID:    v.CoreID(),
		PModeID:   v.PModeID(),
		Timestamp: m.now(),
		State:     v.CurrentState(),
		Direction: v.Direction(),
		Error:     err,
	})
}

// emitEvent sends an event to the event queue
func (m *MSH) emitEvent(event MessageEvent) {
	select {
	case m.eventQueue <- event:
	default:
		// Event queue full, drop event
	}
}

// handleError logs a processing error and emits an error event
func (m *MSH) handleError(messageID string, err error) {
	m.logger.Error("message processing failed", "message_id", messageID, "error", err)

	m.emitEvent(MessageEvent{
		Type:      EventError,
		MessageID: messageID,
		Timestamp: m.now(),
		Error:     err,
		Data:      map[string]interface{}{"error": err.Error()},
	})
}
