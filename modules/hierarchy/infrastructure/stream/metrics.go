package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hierarchies",
		Subsystem: "stream",
		Name:      "events_consumed_total",
		Help:      "Upstream inventory events applied, by class and kind.",
	}, []string{"class", "kind"})

	eventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hierarchies",
		Subsystem: "stream",
		Name:      "events_skipped_total",
		Help:      "Upstream messages acknowledged without processing (bad key or payload).",
	})

	applyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hierarchies",
		Subsystem: "stream",
		Name:      "apply_failures_total",
		Help:      "Events whose reconciliation failed and will be redelivered.",
	})

	batchesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hierarchies",
		Subsystem: "stream",
		Name:      "batches_published_total",
		Help:      "Downstream change batches produced, by class and kind.",
	}, []string{"class", "kind"})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hierarchies",
		Subsystem: "stream",
		Name:      "publish_failures_total",
		Help:      "Downstream publish attempts that failed.",
	})
)
