// Package metrics registers the Prometheus collectors controllers emit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdsno_build_info",
		Help: "Build information of the controller",
	},
		[]string{"version", "commit", "date"},
	)

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdsno_messages_sent_total",
		Help: "Messages sent, labelled by type",
	},
		[]string{"message_type"},
	)

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdsno_messages_received_total",
		Help: "Messages received, labelled by type and verification outcome",
	},
		[]string{"message_type", "outcome"},
	)

	AdmissionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdsno_admission_results_total",
		Help: "Admission protocol outcomes, labelled by status and reason",
	},
		[]string{"status", "reason"},
	)

	DiscoveryCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdsno_discovery_cycles_total",
		Help: "Completed discovery cycles",
	})

	DiscoveryDevices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdsno_discovery_devices",
		Help: "Devices seen in the last cycle, labelled by delta class",
	},
		[]string{"class"},
	)

	DiscoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pdsno_discovery_cycle_duration_seconds",
		Help:    "Duration of discovery cycles in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	ApprovalRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdsno_approval_requests_total",
		Help: "Approval requests, labelled by sensitivity and outcome",
	},
		[]string{"sensitivity", "outcome"},
	)

	ConfigExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdsno_config_executions_total",
		Help: "Configuration executions, labelled by outcome",
	},
		[]string{"outcome"},
	)

	NIBConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdsno_nib_conflicts_total",
		Help: "Optimistic-concurrency conflicts surfaced by the NIB",
	})
)

// Register installs all collectors on a registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		BuildInfo,
		MessagesSent,
		MessagesReceived,
		AdmissionResults,
		DiscoveryCycles,
		DiscoveryDevices,
		DiscoveryDuration,
		ApprovalRequests,
		ConfigExecutions,
		NIBConflicts,
	)
}
