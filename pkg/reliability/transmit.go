package reliability

import (
	"context"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// SettleTransmission records the outcome of transmitting um, which the
// caller moved to SENDING beforehand. A successful transmission moves um to
// AWAITING_RECEIPT when awaitReceipt is set and to DELIVERED otherwise. A
// failed one records TRANSPORT_FAILURE, then AWAITING_RECEIPT for the
// resend planner when awaitReceipt is set, else FAILURE with an EBMS:0005
// error added to generated.
//
// Every step is a compare-and-set, so a receipt or error correlated while
// the transmission was in flight is kept. SettleTransmission then reports
// false.
func SettleTransmission(ctx context.Context, st storage.Manager, um *model.UserMessage, awaitReceipt bool, sendErr error, generated model.GeneratedErrors) (bool, error) {
	if sendErr == nil {
		next := model.StateDelivered
		if awaitReceipt {
			next = model.StateAwaitingReceipt
		}
		return st.CompareAndSetProcessingState(ctx, um, model.StateSending, next)
	}

	ok, err := st.CompareAndSetProcessingState(ctx, um, model.StateSending, model.StateTransportFailure)
	if err != nil || !ok {
		return false, err
	}
	if awaitReceipt {
		return st.CompareAndSetProcessingState(ctx, um, model.StateTransportFailure, model.StateAwaitingReceipt)
	}
	ok, err = st.CompareAndSetProcessingState(ctx, um, model.StateTransportFailure, model.StateFailure)
	if ok && generated != nil {
		generated.Add(um.MessageID(), model.ErrorConnectionFailure.New(um.MessageID(), sendErr.Error()))
	}
	return ok, err
}
