package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// These complement the controller-runtime process metrics with the state of the watch loop and the outcome
// of every provisioning and teardown step.
var (
	stepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfsbucket_operator_step_total",
			Help: "Outcomes of provisioning and teardown steps per dependent kind.",
		},
		[]string{"phase", "kind", "outcome"},
	)

	watchRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfsbucket_operator_watch_restarts_total",
			Help: "Number of times the NfsBucket watch stream was reopened, by reason.",
		},
		[]string{"reason"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfsbucket_operator_events_total",
			Help: "Watch events received, by type and dispatch decision.",
		},
		[]string{"type", "decision"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		stepTotal,
		watchRestartsTotal,
		eventsTotal,
	)
}

// RecordStep counts the outcome of one provisioning or teardown step.
func RecordStep(phase, kind, outcome string) {
	stepTotal.WithLabelValues(phase, kind, outcome).Inc()
}

// RecordWatchRestart counts a reopened watch stream.
func RecordWatchRestart(reason string) {
	watchRestartsTotal.WithLabelValues(reason).Inc()
}

// RecordEvent counts a watch event and what the dispatcher did with it.
func RecordEvent(eventType, decision string) {
	eventsTotal.WithLabelValues(eventType, decision).Inc()
}
