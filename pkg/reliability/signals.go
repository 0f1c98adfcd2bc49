package reliability

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// CorrelateSignal applies a stored incoming receipt or error to the sent
// user messages it refers to. A receipt moves them from AWAITING_RECEIPT
// to DELIVERED, also when the sender has not yet recorded the transmission
// outcome. An error with failure severity moves any unfinished one to
// FAILURE. The signal itself moves to DONE. It returns the core ids of the
// user messages changed.
func CorrelateSignal(ctx context.Context, st storage.Store, signal model.MessageUnit) ([]string, error) {
	var refs []string
	fatal := false
	switch s := signal.(type) {
	case *model.Receipt:
		refs = []string{s.RefToMessageID()}
	case *model.ErrorMessage:
		refs = s.ErrorRefs()
		if ref := s.RefToMessageID(); ref != "" && !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
		for _, e := range s.Errors() {
			if e.Severity == model.SeverityFailure {
				fatal = true
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a receipt or error", storage.ErrWrongKind, signal.Kind())
	}

	var changed []string
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		views, err := st.MessageUnitsWithID(ctx, ref, model.DirectionOut)
		if err != nil {
			return changed, err
		}
		for _, v := range views {
			if v.Kind() != model.KindUserMessage {
				continue
			}
			ok, err := correlate(ctx, st, v, signal.Kind(), fatal)
			if err != nil {
				return changed, err
			}
			if ok {
				changed = append(changed, v.CoreID())
			}
		}
	}

	if err := st.SetProcessingState(ctx, signal, model.StateDone); err != nil {
		return changed, err
	}
	return changed, nil
}

// casAttempts bounds how often correlate reloads a unit whose state moved
// between reading and updating it
const casAttempts = 4

// receiptSources are the states a receipt may find a sent user message in.
// A receipt can overtake the sender recording the transmission outcome.
var receiptSources = []model.ProcessingState{
	model.StateAwaitingReceipt,
	model.StateSending,
	model.StateTransportFailure,
}

func correlate(ctx context.Context, st storage.Store, v model.View, kind model.Kind, fatal bool) (bool, error) {
	for range casAttempts {
		current := v.CurrentState()
		target := model.StateFailure
		if kind == model.KindReceipt {
			if !slices.Contains(receiptSources, current) {
				return false, nil
			}
			target = model.StateDelivered
		} else if !fatal || finished(current) {
			return false, nil
		}

		ok, err := st.CompareAndSetProcessingState(ctx, v, current, target)
		if err != nil || ok {
			return ok, err
		}
		reloaded, err := st.MessageUnitWithCoreID(ctx, v.CoreID())
		if err != nil || reloaded == nil {
			return false, err
		}
		v = reloaded
	}
	return false, nil
}
