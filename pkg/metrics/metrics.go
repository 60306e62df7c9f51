package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsDispatched counts watcher events handed to per-object tasks,
	// labelled by event type.
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kinetic_events_dispatched_total",
		Help: "Count of watcher events dispatched to object tasks",
	}, []string{"kind", "type"})

	// EventsDropped counts Applied events discarded by the shutdown gate.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kinetic_events_dropped_total",
		Help: "Count of Applied events dropped while shutting down",
	}, []string{"kind"})

	// ActiveSupervisors tracks live per-object tasks.
	ActiveSupervisors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kinetic_active_supervisors",
		Help: "Number of object tasks currently running",
	}, []string{"kind"})

	// StateTransitions counts state machine steps, labelled by the state
	// that ran.
	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kinetic_state_transitions_total",
		Help: "Count of state machine transitions executed",
	}, []string{"kind", "state"})

	// StatusPatchErrors counts failed status patches.
	StatusPatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kinetic_status_patch_errors_total",
		Help: "Count of status subresource patches that failed",
	}, []string{"kind"})

	// WatchRestarts counts list/watch re-establishments.
	WatchRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kinetic_watch_restarts_total",
		Help: "Count of watch stream restarts",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		EventsDispatched,
		EventsDropped,
		ActiveSupervisors,
		StateTransitions,
		StatusPatchErrors,
		WatchRestarts,
	)
}
