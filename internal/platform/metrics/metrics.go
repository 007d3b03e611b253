package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the claim release protocol.
type Metrics struct {
	SweepsTotal        prometheus.Counter
	SweepDuration      prometheus.Histogram
	ClaimsCreated      prometheus.Counter
	ClaimsPromoted     prometheus.Counter
	ClaimsExpired      prometheus.Counter
	ClaimsRejected     prometheus.Counter
	VotesCast          prometheus.Counter
	ClaimsApproved     prometheus.Counter
	ClaimsReleased     prometheus.Counter
	TransferFailures   prometheus.Counter
	ActivityRecorded   prometheus.Counter
	StaleActivityDrops prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		SweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_sweeps_total",
			Help: "Total number of inactivity sweep passes executed",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "heirloom_sweep_duration_seconds",
			Help:    "Duration of inactivity sweep passes",
			Buckets: prometheus.DefBuckets,
		}),
		ClaimsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_claims_created_total",
			Help: "Total number of claims created by the monitor",
		}),
		ClaimsPromoted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_claims_promoted_total",
			Help: "Total number of pending to eligible promotions",
		}),
		ClaimsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_claims_expired_total",
			Help: "Total number of eligible claims expired by the validity window",
		}),
		ClaimsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_claims_rejected_total",
			Help: "Total number of claims rejected (owner activity, veto, admin)",
		}),
		VotesCast: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_votes_cast_total",
			Help: "Total number of accepted guardian votes",
		}),
		ClaimsApproved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_claims_approved_total",
			Help: "Total number of claims reaching guardian quorum",
		}),
		ClaimsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_claims_released_total",
			Help: "Total number of released claims",
		}),
		TransferFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_transfer_failures_total",
			Help: "Total number of failed external transfer attempts",
		}),
		ActivityRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_activity_recorded_total",
			Help: "Total number of accepted activity records",
		}),
		StaleActivityDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_stale_activity_drops_total",
			Help: "Total number of rejected out-of-order activity records",
		}),
	}
}
