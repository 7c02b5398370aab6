package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodybox_scans_total",
		Help: "Scans processed, by role and outcome (accepted, replayed, rejected, error).",
	},
		[]string{"role", "outcome"},
	)

	ScanRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodybox_scan_rejections_total",
		Help: "Rejected scans by reason code.",
	},
		[]string{"code"},
	)

	ScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custodybox_scan_duration_seconds",
		Help:    "End-to-end scan handling latency.",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"role"},
	)

	ShipmentStatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodybox_shipment_status_changes_total",
		Help: "Stored shipment status changes, by new status.",
	},
		[]string{"status"},
	)

	ConcernsRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodybox_concerns_raised_total",
		Help: "Concerns attached to accepted scans, by severity.",
	},
		[]string{"severity"},
	)

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custodybox_notification_failures_total",
		Help: "Concern notifications that could not be dispatched.",
	})

	ChainChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodybox_chain_checks_total",
		Help: "Chain corroborations, by result (ok, mismatch, error).",
	},
		[]string{"result"},
	)

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodybox_operation_errors_total",
		Help: "Total number of errors encountered during specific operations.",
	},
		[]string{"operation"},
	)
)
