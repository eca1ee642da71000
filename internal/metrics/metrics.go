// Package metrics exposes the Prometheus counters and gauges the pipeline
// core publishes. Callers (the embedding CLI, the control API) are expected
// to serve the default registry themselves; this package only registers
// and updates series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourcesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corevision_sources_active",
		Help: "Number of sources currently tracked by the registry, by state",
	}, []string{"state"})

	sourceAddTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_source_add_total",
		Help: "Total number of add() calls, by result",
	}, []string{"result"})

	sourceRemoveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_source_remove_total",
		Help: "Total number of remove() calls, by result",
	}, []string{"result"})

	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_recoveries_total",
		Help: "Total number of successful source recoveries",
	}, []string{"source_id"})

	permanentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_permanent_failures_total",
		Help: "Total number of sources that reached the Failed terminal state",
	}, []string{"error_kind"})

	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_detections_total",
		Help: "Total number of detections emitted, by source",
	}, []string{"source_id"})

	detectionsCorruptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corevision_detections_corrupt_total",
		Help: "Total number of model outputs rejected as malformed",
	})

	inferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corevision_inference_latency_seconds",
		Help:    "Latency of a single session.Run invocation",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_frames_dropped_total",
		Help: "Frames dropped on the detection broadcast channel under backpressure",
	}, []string{"source_id"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corevision_circuit_breaker_state",
		Help: "Circuit breaker state by source (closed=1, half-open=1, open=1; others 0)",
	}, []string{"source_id", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips to Open, by source",
	}, []string{"source_id"})

	admissionRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_admission_rejected_total",
		Help: "Total number of coordinator admissions rejected, by reason",
	}, []string{"reason"})

	coordinatorSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corevision_coordinator_slots_in_use",
		Help: "Number of processing slots currently reserved by the multi-stream coordinator",
	})

	coordinatorStreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corevision_coordinator_streams_active",
		Help: "Number of streams currently admitted by the coordinator, by priority",
	}, []string{"priority"})

	busMessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevision_bus_messages_dropped_total",
		Help: "Total number of bus messages dropped to relieve a full subscriber, by topic",
	}, []string{"topic"})
)

var breakerStates = []string{"closed", "half-open", "open"}

// SetSourcesActive records the number of sources in a given state.
func SetSourcesActive(state string, n int) {
	sourcesActive.WithLabelValues(state).Set(float64(n))
}

// RecordSourceAdd records the outcome of an add() call.
func RecordSourceAdd(result string) { sourceAddTotal.WithLabelValues(result).Inc() }

// RecordSourceRemove records the outcome of a remove() call.
func RecordSourceRemove(result string) { sourceRemoveTotal.WithLabelValues(result).Inc() }

// RecordRecovery increments the recovery counter for a source.
func RecordRecovery(sourceID string) { recoveriesTotal.WithLabelValues(sourceID).Inc() }

// RecordPermanentFailure increments the terminal-failure counter.
func RecordPermanentFailure(errorKind string) { permanentFailuresTotal.WithLabelValues(errorKind).Inc() }

// RecordDetections adds n detections emitted for a source.
func RecordDetections(sourceID string, n int) {
	if n <= 0 {
		return
	}
	detectionsTotal.WithLabelValues(sourceID).Add(float64(n))
}

// RecordCorruptDetection increments the malformed-output counter.
func RecordCorruptDetection() { detectionsCorruptTotal.Inc() }

// ObserveInferenceLatency records a session.Run duration in seconds.
func ObserveInferenceLatency(model string, seconds float64) {
	inferenceLatency.WithLabelValues(model).Observe(seconds)
}

// RecordFrameDropped increments the detection-channel backpressure counter.
func RecordFrameDropped(sourceID string) { framesDroppedTotal.WithLabelValues(sourceID).Inc() }

// SetCircuitBreakerState records the active circuit breaker state for a source.
func SetCircuitBreakerState(sourceID, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		circuitBreakerState.WithLabelValues(sourceID, s).Set(v)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(sourceID string) { circuitBreakerTrips.WithLabelValues(sourceID).Inc() }

// RecordAdmissionRejected increments the coordinator rejection counter.
func RecordAdmissionRejected(reason string) { admissionRejectedTotal.WithLabelValues(reason).Inc() }

// SetCoordinatorSlotsInUse records the number of processing slots reserved.
func SetCoordinatorSlotsInUse(n int64) { coordinatorSlotsInUse.Set(float64(n)) }

// SetCoordinatorStreamsActive records the number of admitted streams for a priority label.
func SetCoordinatorStreamsActive(priority string, n int) {
	coordinatorStreamsActive.WithLabelValues(priority).Set(float64(n))
}

// RecordBusMessageDropped increments the bus backpressure counter for topic.
func RecordBusMessageDropped(topic string) { busMessagesDroppedTotal.WithLabelValues(topic).Inc() }
