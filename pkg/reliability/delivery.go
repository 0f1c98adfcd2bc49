package reliability

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// Outcome is the result of a delivery attempt
type Outcome int

const (
	// Delivered means the message was handed to the business application
	Delivered Outcome = iota
	// Duplicate means an earlier copy was already processed
	Duplicate
	// DeliveryFailed means the business application did not accept the message
	DeliveryFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Deliverer hands a user message to the business application
type Deliverer interface {
	Deliver(ctx context.Context, um *model.UserMessage) error
}

// DelivererFunc adapts a function to the Deliverer interface
type DelivererFunc func(ctx context.Context, um *model.UserMessage) error

// Deliver implements Deliverer
func (f DelivererFunc) Deliver(ctx context.Context, um *model.UserMessage) error {
	return f(ctx, um)
}

// DeliveryStore is the part of the storage layer DeliverOnce needs
type DeliveryStore interface {
	IsAlreadyProcessed(ctx context.Context, v model.View) (bool, error)
	SetProcessingState(ctx context.Context, v model.View, state model.ProcessingState) error
	LockMessageID(ctx context.Context, messageID string) (func(), error)
}

// DeliverOnce delivers the stored user message um unless another copy with
// the same message id was already processed. The duplicate check and the
// final state change happen under the message id lock, so of several
// concurrent copies exactly one is delivered.
//
// A failed delivery moves um to FAILURE and adds an EBMS:0202 error to
// generated; it is not returned as an error. Errors are storage failures.
func DeliverOnce(ctx context.Context, st DeliveryStore, um *model.UserMessage, d Deliverer, generated model.GeneratedErrors) (Outcome, error) {
	unlock, err := st.LockMessageID(ctx, um.MessageID())
	if err != nil {
		return 0, fmt.Errorf("locking message %s: %w", um.MessageID(), err)
	}
	defer unlock()

	done, err := st.IsAlreadyProcessed(ctx, um)
	if err != nil {
		return 0, err
	}
	if done {
		if err := st.SetProcessingState(ctx, um, model.StateDuplicate); err != nil {
			return 0, err
		}
		return Duplicate, nil
	}

	if err := st.SetProcessingState(ctx, um, model.StateOutForDelivery); err != nil {
		return 0, err
	}

	if derr := d.Deliver(ctx, um); derr != nil {
		if err := st.SetProcessingState(ctx, um, model.StateDeliveryFailed); err != nil {
			return 0, err
		}
		if err := st.SetProcessingState(ctx, um, model.StateFailure); err != nil {
			return 0, err
		}
		if generated != nil {
			generated.Add(um.MessageID(), model.ErrorDeliveryFailure.New(um.MessageID(), derr.Error()))
		}
		return DeliveryFailed, nil
	}

	if err := st.SetProcessingState(ctx, um, model.StateDelivered); err != nil {
		return 0, err
	}
	return Delivered, nil
}
