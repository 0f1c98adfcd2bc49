// Package metrics exposes Prometheus metrics for message processing
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/msh"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
	"github.com/sirosfoundation/go-ebms/pkg/validation"
)

const namespace = "ebms"

// backlogStates are the states reported by UpdateBacklog
var backlogStates = []model.ProcessingState{
	model.StateReceived,
	model.StateReadyForDelivery,
	model.StateReadyToPush,
	model.StateAwaitingPull,
	model.StateAwaitingReceipt,
	model.StateFailure,
}

// Metrics holds the Prometheus collectors of an MSH
type Metrics struct {
	registry prometheus.Gatherer

	// Validation
	validationTotal    *prometheus.CounterVec
	validationDuration prometheus.Histogram
	findingsTotal      *prometheus.CounterVec

	// Lifecycle events
	eventsTotal *prometheus.CounterVec

	// Storage
	storageOpsTotal   *prometheus.CounterVec
	storageOpDuration *prometheus.HistogramVec
	unitsInState      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: reg,
		validationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "total",
			Help:      "Total number of validated user messages",
		}, []string{"pmode", "outcome"}),
		validationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "duration_seconds",
			Help:      "Time spent validating a user message",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "findings_total",
			Help:      "Total number of validation findings",
		}, []string{"severity"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "msh",
			Name:      "events_total",
			Help:      "Total number of message lifecycle events",
		}, []string{"type"}),
		storageOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of storage operations",
		}, []string{"op", "result"}),
		storageOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Duration of storage operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		unitsInState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "units_in_state",
			Help:      "Number of message units currently in a state",
		}, []string{"kind", "direction", "state"}),
	}

	for _, c := range []prometheus.Collector{
		m.validationTotal, m.validationDuration, m.findingsTotal,
		m.eventsTotal,
		m.storageOpsTotal, m.storageOpDuration, m.unitsInState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ValidationCompleted implements validation.Reporter
func (m *Metrics) ValidationCompleted(res *validation.Result, elapsed time.Duration) {
	outcome := "accepted"
	if res.Rejected {
		outcome = "rejected"
	}
	m.validationTotal.WithLabelValues(res.PModeID, outcome).Inc()
	m.validationDuration.Observe(elapsed.Seconds())
	for _, f := range res.Findings {
		m.findingsTotal.WithLabelValues(string(f.Severity)).Inc()
	}
}

// HandleEvent counts an MSH lifecycle event. It has the signature of
// msh.EventHandler.
func (m *Metrics) HandleEvent(ev msh.MessageEvent) {
	m.eventsTotal.WithLabelValues(ev.Type).Inc()
}

// UpdateBacklog sets the units_in_state gauge from the current store
// content for user messages in both directions
func (m *Metrics) UpdateBacklog(ctx context.Context, q storage.QueryManager) error {
	for _, dir := range []model.Direction{model.DirectionIn, model.DirectionOut} {
		for _, state := range backlogStates {
			units, err := q.MessageUnitsInState(ctx, model.KindUserMessage, dir, []model.ProcessingState{state})
			if err != nil {
				return fmt.Errorf("counting %s units in %s: %w", dir, state, err)
			}
			m.unitsInState.WithLabelValues(string(model.KindUserMessage), string(dir), string(state)).Set(float64(len(units)))
		}
	}
	return nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	default:
		result = "error"
	}
	m.storageOpsTotal.WithLabelValues(op, result).Inc()
	m.storageOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
