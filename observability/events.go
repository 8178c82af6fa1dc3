package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"onsocial-core/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking dispatch-emitted events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of structured events emitted by the dispatch runtime, segmented by event name.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the emitted counter for the supplied event name.
func (m *eventMetrics) RecordEvent(name string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// MetricsEmitter is an events.Emitter that records a per-name counter. Chain
// it alongside a real subscriber emitter via FanoutEmitter rather than using
// it standalone, since it has no subscribers of its own.
type MetricsEmitter struct{}

func (MetricsEmitter) Emit(e events.Event) {
	Events().RecordEvent(e.EventType())
}

// FanoutEmitter broadcasts to every wrapped emitter in order.
type FanoutEmitter []events.Emitter

func (f FanoutEmitter) Emit(e events.Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(e)
		}
	}
}

var (
	_ events.Emitter = MetricsEmitter{}
	_ events.Emitter = FanoutEmitter{}
)
