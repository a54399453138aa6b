// Package metrics exposes Prometheus counters and histograms for the
// Dispatch Controller and Settlement Ledger: queue depth, claim rate,
// charge/refund counts, and epoch-seal duration. Each service registers
// its own Metrics instance into its own prometheus.Registry and serves it
// on /metrics via promhttp, the same export path the teacher's metrics
// package offers Prometheus as a backend for.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller holds the Dispatch Controller's metric instruments.
type Controller struct {
	Registry *prometheus.Registry

	QueueDepth    prometheus.Gauge
	JobsSubmitted prometheus.Counter
	JobsClaimed   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	ClaimTimeouts prometheus.Counter
	WorkersOnline prometheus.Gauge
}

// NewController builds and registers a fresh Controller metric set.
func NewController() *Controller {
	reg := prometheus.NewRegistry()
	c := &Controller{
		Registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmos_controller_queue_depth",
			Help: "Number of jobs currently waiting in the pending queue.",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_controller_jobs_submitted_total",
			Help: "Total jobs accepted by submit.",
		}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_controller_jobs_claimed_total",
			Help: "Total jobs handed out by claim.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_controller_jobs_completed_total",
			Help: "Total jobs reaching completed.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_controller_jobs_failed_total",
			Help: "Total jobs reaching failed, including claim-timeout reaps.",
		}),
		ClaimTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_controller_claim_timeouts_total",
			Help: "Total processing jobs reaped for exceeding claim_timeout.",
		}),
		WorkersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmos_controller_workers_online",
			Help: "Number of workers currently in online or busy status.",
		}),
	}
	reg.MustRegister(c.QueueDepth, c.JobsSubmitted, c.JobsClaimed, c.JobsCompleted, c.JobsFailed, c.ClaimTimeouts, c.WorkersOnline)
	return c
}

// Ledger holds the Settlement Ledger's metric instruments.
type Ledger struct {
	Registry *prometheus.Registry

	Charges         prometheus.Counter
	Refunds         prometheus.Counter
	Deposits        prometheus.Counter
	Withdrawals     prometheus.Counter
	EpochSealSecs   prometheus.Histogram
	EpochsFinalized prometheus.Counter
}

// NewLedger builds and registers a fresh Ledger metric set.
func NewLedger() *Ledger {
	reg := prometheus.NewRegistry()
	l := &Ledger{
		Registry: reg,
		Charges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_ledger_charges_total",
			Help: "Total successful charge operations.",
		}),
		Refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_ledger_refunds_total",
			Help: "Total successful refund operations.",
		}),
		Deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_ledger_deposits_total",
			Help: "Total successful deposit operations.",
		}),
		Withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_ledger_withdrawals_finalized_total",
			Help: "Total withdrawals finalized.",
		}),
		EpochSealSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmos_ledger_epoch_seal_duration_seconds",
			Help:    "Time taken to seal an epoch, from request to finalized.",
			Buckets: prometheus.DefBuckets,
		}),
		EpochsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmos_ledger_epochs_finalized_total",
			Help: "Total epochs successfully sealed.",
		}),
	}
	reg.MustRegister(l.Charges, l.Refunds, l.Deposits, l.Withdrawals, l.EpochSealSecs, l.EpochsFinalized)
	return l
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
