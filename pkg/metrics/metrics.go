package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	generationEventsMetricName   = "grove_generation_events_total"
	generationDurationMetricName = "grove_generation_duration_seconds"
	jobTransitionsMetricName     = "grove_job_transitions_total"
	previewLookupsMetricName     = "grove_preview_lookups_total"
	providerDispatchMetricName   = "grove_provider_dispatch_total"
)

var (
	// GenerationEvents counts router events by provider kind and event type.
	GenerationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: generationEventsMetricName,
		Help: "Generation events emitted by the router.",
	}, []string{"kind", "type"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    generationDurationMetricName,
		Help:    "Time from dispatch to the final event of a generation stream.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})

	// JobTransitions counts pull engine state transitions by job kind and target state.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: jobTransitionsMetricName,
		Help: "Pull job state transitions.",
	}, []string{"job", "state"})

	PreviewLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: previewLookupsMetricName,
		Help: "Preview lookups by outcome (hit, miss, error).",
	}, []string{"outcome"})

	ProviderDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: providerDispatchMetricName,
		Help: "Provider resolutions by calling convention and outcome.",
	}, []string{"kind", "outcome"})
)
