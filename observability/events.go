package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"dealchain/core/events"
)

type eventMetrics struct {
	lifecycle *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealchain",
				Subsystem: "events",
				Name:      "deal_lifecycle_total",
				Help:      "Count of deal lifecycle events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.lifecycle)
	})
	return eventRegistry
}

// RecordLifecycle increments the lifecycle counter for the supplied event type.
func (m *eventMetrics) RecordLifecycle(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.lifecycle.WithLabelValues(normalized).Inc()
}

// MetricsEmitter counts every event it sees and forwards it to the wrapped
// emitter, which may be nil.
type MetricsEmitter struct {
	Next events.Emitter
}

// Emit implements events.Emitter.
func (m MetricsEmitter) Emit(evt events.Event) {
	if evt != nil {
		Events().RecordLifecycle(evt.EventType())
	}
	if m.Next != nil {
		m.Next.Emit(evt)
	}
}
