package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// Action is what the resend planner decided for a unit
type Action int

const (
	// ActionWait leaves the unit waiting for its receipt
	ActionWait Action = iota
	// ActionResend queues the unit for another transmission
	ActionResend
	// ActionFail gives up on the unit
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionResend:
		return "resend"
	case ActionFail:
		return "fail"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the plan for one unit awaiting a receipt
type Decision struct {
	Unit          model.View
	Action        Action
	Transmissions int
	// Due is when the next transmission is due
	Due time.Time
}

// PModeSource provides the retry configuration of P-Modes
type PModeSource interface {
	GetPMode(id string) *pmode.ProcessingMode
	RetryPModeIDs() []string
}

// ResendPlanner decides which sent user messages must be resent because
// no receipt arrived in time, and which have run out of retries
type ResendPlanner struct {
	store  storage.Store
	pmodes PModeSource
	now    func() time.Time
	logger *slog.Logger
}

// PlannerOption configures a ResendPlanner
type PlannerOption func(*ResendPlanner)

// WithClock sets the time source
func WithClock(now func() time.Time) PlannerOption {
	return func(p *ResendPlanner) { p.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PlannerOption {
	return func(p *ResendPlanner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewResendPlanner creates a planner over store
func NewResendPlanner(store storage.Store, pmodes PModeSource, opts ...PlannerOption) *ResendPlanner {
	p := &ResendPlanner{
		store:  store,
		pmodes: pmodes,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "resend")
	return p
}

// Backoff returns the wait after the n-th transmission before the next
// one: RetryInterval * RetryMultiplier^(n-1)
func Backoff(r *pmode.RetryConfig, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	m := r.RetryMultiplier
	if m < 1 {
		m = 1
	}
	d := float64(r.RetryInterval) * math.Pow(m, float64(n-1))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Plan returns a decision for every user message awaiting a receipt under a
// P-Mode with retries enabled, longest waiting first
func (p *ResendPlanner) Plan(ctx context.Context) ([]Decision, error) {
	ids := p.pmodes.RetryPModeIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	views, err := p.store.MessageUnitsForPModesInState(ctx, model.KindUserMessage, ids, model.StateAwaitingReceipt)
	if err != nil {
		return nil, err
	}

	now := p.now()
	var decisions []Decision
	for _, v := range views {
		pm := p.pmodes.GetPMode(v.PModeID())
		if pm == nil || pm.Retry() == nil {
			continue
		}
		r := pm.Retry()

		n, err := p.store.NumberOfTransmissions(ctx, v)
		if err != nil {
			return nil, err
		}
		d := Decision{Unit: v, Transmissions: n, Due: v.StateSince().Add(Backoff(r, n))}
		switch {
		case now.Before(d.Due):
			d.Action = ActionWait
		case n > r.MaxRetries:
			// the last transmission also got its full wait
			d.Action = ActionFail
		default:
			d.Action = ActionResend
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Apply carries out the decisions. Resent units move to READY_TO_PUSH,
// failed units to FAILURE with an EBMS:0301 error added to generated. A
// unit that left AWAITING_RECEIPT since planning is skipped. Apply returns
// the number of units changed.
func (p *ResendPlanner) Apply(ctx context.Context, decisions []Decision, generated model.GeneratedErrors) (int, error) {
	changed := 0
	for _, d := range decisions {
		var target model.ProcessingState
		switch d.Action {
		case ActionResend:
			target = model.StateReadyToPush
		case ActionFail:
			target = model.StateFailure
		default:
			continue
		}

		ok, err := p.store.CompareAndSetProcessingState(ctx, d.Unit, model.StateAwaitingReceipt, target)
		if err != nil {
			return changed, err
		}
		if !ok {
			p.logger.Debug("unit changed state since planning", "core_id", d.Unit.CoreID())
			continue
		}
		changed++

		if d.Action == ActionFail {
			p.logger.Warn("no receipt after retries",
				"message_id", d.Unit.MessageID(),
				"transmissions", d.Transmissions)
			if generated != nil {
				generated.Add(d.Unit.MessageID(), model.ErrorMissingReceipt.New(d.Unit.MessageID(),
					fmt.Sprintf("no receipt after %d transmissions", d.Transmissions)))
			}
		} else {
			p.logger.Info("resending message",
				"message_id", d.Unit.MessageID(),
				"transmissions", d.Transmissions)
		}
	}
	return changed, nil
}

// Run plans and applies in one step
func (p *ResendPlanner) Run(ctx context.Context, generated model.GeneratedErrors) (int, error) {
	decisions, err := p.Plan(ctx)
	if err != nil {
		return 0, err
	}
	return p.Apply(ctx, decisions, generated)
}
