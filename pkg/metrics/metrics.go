package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance supervisor metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_instances_total",
			Help: "Total number of configured instances by status and health",
		},
		[]string{"status", "health"},
	)

	InstanceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_instance_restarts_total",
			Help: "Total number of instance restarts by instance and reason",
		},
		[]string{"instance", "reason"},
	)

	InstanceUptimeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_instance_uptime_seconds",
			Help: "Seconds since the instance's current process started",
		},
		[]string{"instance"},
	)

	BinariesInstalledTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_binaries_installed_total",
			Help: "Total number of installed binary artifacts",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	OrphansReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_orphans_reaped_total",
			Help: "Total number of orphaned instance processes reaped by the reconciler",
		},
	)

	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_health_check_duration_seconds",
			Help:    "Duration of a single health probe",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance", "probe"},
	)

	// Task run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_runs_total",
			Help: "Total number of task runs by provider and terminal status",
		},
		[]string{"provider", "status"},
	)

	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_runs_in_flight",
			Help: "Number of task runs currently executing",
		},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_run_duration_seconds",
			Help:    "Task run wall-clock duration by provider",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"provider"},
	)

	VerifyFixAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_verify_fix_attempts",
			Help:    "Number of auto-fix iterations consumed per run verification",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	PatchApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_patch_apply_total",
			Help: "Total number of patch apply attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstanceRestartsTotal)
	prometheus.MustRegister(InstanceUptimeSeconds)
	prometheus.MustRegister(BinariesInstalledTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(OrphansReapedTotal)
	prometheus.MustRegister(HealthCheckDuration)

	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsInFlight)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(VerifyFixAttempts)
	prometheus.MustRegister(PatchApplyTotal)
}

// Handler returns the Prometheus HTTP handler, served by hutchd's
// daemon run alongside the health monitor and reconciler loops.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
