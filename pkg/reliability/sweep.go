package reliability

import (
	"context"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// finished reports whether a unit in state s needs no further processing
func finished(s model.ProcessingState) bool {
	return s.IsTerminal() || s == model.StateDone || s == model.StateDuplicate
}

// ExpireStale moves every unfinished unit whose last state change is at or
// before cutoff to FAILURE and returns the core ids of the units changed.
// A unit that changed state since it was read is left alone.
func ExpireStale(ctx context.Context, st storage.Store, cutoff time.Time) ([]string, error) {
	views, err := st.MessageUnitsWithLastStateChangeBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, v := range views {
		current := v.CurrentState()
		if finished(current) {
			continue
		}
		ok, err := st.CompareAndSetProcessingState(ctx, v, current, model.StateFailure)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, v.CoreID())
		}
	}
	return expired, nil
}
