// Package sender provides the background worker of the outbound side.
//
// The Sender polls the message unit store and hands user messages in state
// READY_TO_PUSH to a [Transmitter]. Each poll also runs the reliability
// sweeps.
//
// # Outbound Lifecycle
//
//	READY_TO_PUSH -> SENDING -> AWAITING_RECEIPT   (P-Mode expects receipts)
//	READY_TO_PUSH -> SENDING -> DELIVERED          (no reception awareness)
//	SENDING -> TRANSPORT_FAILURE -> AWAITING_RECEIPT | FAILURE
//
// Each step after SENDING is a compare-and-set. A receipt correlated while
// the message is still SENDING moves it to DELIVERED and the outcome of
// the transmission is then not recorded.
//
// A unit awaiting a receipt is moved back to READY_TO_PUSH by the resend
// planner when its retry interval has passed, or to FAILURE when the P-Mode
// allows no more retries.
//
// # Expiry
//
// With ExpireAfter set, units whose last state change is older than that
// and that are not finished are moved to FAILURE.
//
// # Concurrency
//
// Multiple sender instances can share one store. A unit is claimed with a
// compare-and-set from READY_TO_PUSH to SENDING, so each transmission is
// performed by exactly one instance.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/reliability"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// Transmitter sends an outgoing user message to its recipient
type Transmitter interface {
	Transmit(ctx context.Context, um *model.UserMessage) error
}

// TransmitterFunc adapts a function to the Transmitter interface
type TransmitterFunc func(ctx context.Context, um *model.UserMessage) error

// Transmit calls f
func (f TransmitterFunc) Transmit(ctx context.Context, um *model.UserMessage) error {
	return f(ctx, um)
}

// ErrorHandler receives the errors generated for an outgoing message
type ErrorHandler func(messageID string, errs []model.EbmsError)

// Stats counts what one poll did
type Stats struct {
	Sent    int
	Failed  int
	Resent  int
	Expired int
}

// Sender handles background delivery of outgoing user messages
type Sender struct {
	store       storage.Store
	pmodes      reliability.PModeSource
	transmitter Transmitter
	planner     *reliability.ResendPlanner
	logger      *slog.Logger
	now         func() time.Time

	errorHandler ErrorHandler
	afterPoll    func(ctx context.Context)

	// Configuration
	pollInterval time.Duration
	batchSize    int
	expireAfter  time.Duration

	// Control
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds sender configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// ExpireAfter is the idle time after which unfinished units fail, 0
	// disables expiry
	ExpireAfter time.Duration

	ErrorHandler ErrorHandler
	// AfterPoll is called at the end of every poll, e.g. to refresh gauges
	AfterPoll func(ctx context.Context)

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 10 * time.Second,
		BatchSize:    50,
	}
}

// NewSender creates a new background sender
func NewSender(store storage.Store, pmodes reliability.PModeSource, transmitter Transmitter, cfg *Config) *Sender {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		store:       store,
		pmodes:      pmodes,
		transmitter: transmitter,
		planner: reliability.NewResendPlanner(store, pmodes,
			reliability.WithClock(cfg.Clock),
			reliability.WithLogger(logger)),
		logger:       logger.With("component", "sender"),
		now:          cfg.Clock,
		errorHandler: cfg.ErrorHandler,
		afterPoll:    cfg.AfterPoll,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		expireAfter:  cfg.ExpireAfter,
	}
}

// Start begins background message processing
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("sender started", "poll_interval", s.pollInterval)
}

// Stop gracefully stops the sender
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("poll failed", "error", err)
			}
		}
	}
}

// Poll sends pending messages and runs the resend and expiry sweeps once
func (s *Sender) Poll(ctx context.Context) (Stats, error) {
	var stats Stats
	generated := make(model.GeneratedErrors)
	defer func() {
		s.reportErrors(ctx, generated)
		if s.afterPoll != nil {
			s.afterPoll(ctx)
		}
	}()

	if err := s.sendPending(ctx, &stats, generated); err != nil {
		return stats, err
	}

	before := generated.Len()
	changed, err := s.planner.Run(ctx, generated)
	if err != nil {
		return stats, fmt.Errorf("resend sweep: %w", err)
	}
	// the planner records one error per unit it fails
	failed := generated.Len() - before
	stats.Resent = changed - failed
	stats.Failed += failed

	if s.expireAfter > 0 {
		expired, err := reliability.ExpireStale(ctx, s.store, s.now().Add(-s.expireAfter))
		if err != nil {
			return stats, fmt.Errorf("expiry sweep: %w", err)
		}
		stats.Expired = len(expired)
		if len(expired) > 0 {
			s.logger.Warn("expired stale message units", "count", len(expired))
		}
	}
	return stats, nil
}

func (s *Sender) sendPending(ctx context.Context, stats *Stats, generated model.GeneratedErrors) error {
	units, err := s.store.MessageUnitsInState(ctx, model.KindUserMessage, model.DirectionOut,
		[]model.ProcessingState{model.StateReadyToPush})
	if err != nil {
		return fmt.Errorf("listing messages to send: %w", err)
	}
	if len(units) > s.batchSize {
		units = units[:s.batchSize]
	}

	for _, v := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		sent, err := s.sendMessage(ctx, v, generated)
		if err != nil {
			return err
		}
		if sent {
			stats.Sent++
		} else if len(generated.Get(v.MessageID())) > 0 {
			stats.Failed++
		}
	}
	return nil
}

// sendMessage transmits one unit. It reports false when the unit was
// claimed by someone else or could not be sent.
func (s *Sender) sendMessage(ctx context.Context, v model.View, generated model.GeneratedErrors) (bool, error) {
	log := s.logger.With("message_id", v.MessageID(), "core_id", v.CoreID())

	// Mark as sending
	ok, err := s.store.CompareAndSetProcessingState(ctx, v, model.StateReadyToPush, model.StateSending)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug("message claimed by another sender")
		return false, nil
	}

	mu, err := s.store.EnsureCompletelyLoaded(ctx, v)
	if err != nil {
		return false, err
	}
	um, ok := mu.(*model.UserMessage)
	if !ok {
		return false, fmt.Errorf("%w: %s is a %s", storage.ErrWrongKind, v.CoreID(), mu.Kind())
	}

	pm := s.pmodes.GetPMode(um.PModeID())
	awaitReceipt := pm != nil && pm.Retry() != nil

	sendErr := s.transmitter.Transmit(ctx, um)
	if sendErr != nil {
		log.Error("send failed", "error", sendErr)
	}
	settled, err := reliability.SettleTransmission(ctx, s.store, um, awaitReceipt, sendErr, generated)
	if err != nil {
		return false, err
	}
	if !settled {
		log.Debug("message settled by a signal during transmission")
		return sendErr == nil, nil
	}
	if sendErr != nil {
		return false, nil
	}
	log.Info("message sent", "state", um.CurrentState())
	return true, nil
}

func (s *Sender) reportErrors(ctx context.Context, generated model.GeneratedErrors) {
	if s.errorHandler == nil {
		return
	}
	for messageID, errs := range generated.All() {
		if !s.notifiesProducer(ctx, messageID) {
			s.logger.Debug("send failure not reported", "message_id", messageID, "errors", len(errs))
			continue
		}
		s.errorHandler(messageID, errs)
	}
}

// notifiesProducer looks up the P-Mode of the sent message. Failures are
// reported when it cannot be found.
func (s *Sender) notifiesProducer(ctx context.Context, messageID string) bool {
	views, err := s.store.MessageUnitsWithID(ctx, messageID, model.DirectionOut)
	if err != nil || len(views) == 0 {
		return true
	}
	pm := s.pmodes.GetPMode(views[0].PModeID())
	return pm == nil || pm.NotifiesProducer()
}
