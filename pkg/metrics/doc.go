/*
Package metrics provides Prometheus metrics collection and exposition for Hutch.

The metrics package defines and registers all Hutch metrics using the Prometheus
client library, providing observability into instance health, run throughput,
operation latency, and system performance. Metrics are exposed via HTTP endpoint
for scraping by Prometheus servers.

# Architecture

Hutch's metrics system follows Prometheus best practices with instrumentation
across both the instance supervisor and the task orchestrator:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (instance count)     │          │
	│  │  Counter: Monotonic increases (restarts)    │          │
	│  │  Histogram: Distributions (run duration)    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Instances: count, uptime, restarts         │          │
	│  │  Binaries: installed count                  │          │
	│  │  Health: probe duration                     │          │
	│  │  Reconciler: cycle duration, count, orphans │          │
	│  │  Runs: count, in-flight, duration           │          │
	│  │  Verify: auto-fix attempts                  │          │
	│  │  Patch: apply outcomes                      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: instance count, runs in flight, uptime seconds
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: restarts total, reconciliation cycles total
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: run duration, health probe duration
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

Collector:
  - Polls the instance supervisor on an interval
  - Republishes runtime-record state as gauges
  - Started/stopped with the daemon's lifecycle

# Metrics Catalog

Instance Metrics:

hutch_instances_total{status, health}:
  - Type: Gauge
  - Configured instances by status and health
  - Example: hutch_instances_total{status="running",health="healthy"} 3

hutch_instance_restarts_total{instance, reason}:
  - Type: Counter
  - Restarts by instance and reason (health, operator)
  - Example: hutch_instance_restarts_total{instance="gpt",reason="health"} 2

hutch_instance_uptime_seconds{instance}:
  - Type: Gauge
  - Seconds since the instance's current process started
  - Example: hutch_instance_uptime_seconds{instance="gpt"} 86400

hutch_binaries_installed_total:
  - Type: Gauge
  - Installed binary artifacts in the registry
  - Example: hutch_binaries_installed_total 4

Health & Reconciliation Metrics:

hutch_health_check_duration_seconds{instance, probe}:
  - Type: Histogram
  - Duration of a single health probe by probe kind
  - Usage: p95 probe latency, slow-endpoint alerts

hutch_reconciliation_duration_seconds:
  - Type: Histogram
  - Time taken for one reconciliation cycle

hutch_reconciliation_cycles_total:
  - Type: Counter
  - Completed reconciliation cycles

hutch_orphans_reaped_total:
  - Type: Counter
  - Orphaned instance processes detected by the reconciler

Run Metrics:

hutch_runs_total{provider, status}:
  - Type: Counter
  - Task runs by provider and terminal status
  - Example: hutch_runs_total{provider="claude",status="success"} 41

hutch_runs_in_flight:
  - Type: Gauge
  - Task runs currently executing

hutch_run_duration_seconds{provider}:
  - Type: Histogram
  - Run wall-clock duration; buckets from 1s to 1h

hutch_verify_fix_attempts:
  - Type: Histogram
  - Auto-fix iterations consumed per run verification

hutch_patch_apply_total{outcome}:
  - Type: Counter
  - Patch apply attempts by outcome (applied, refused, failed)

# Usage

Exposition in hutchd:

	import "github.com/cuemby/hutch/pkg/metrics"

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go http.ListenAndServe(":9090", mux)

Recording values:

	metrics.InstancesTotal.WithLabelValues("running", "healthy").Set(3)
	metrics.InstanceRestartsTotal.WithLabelValues("gpt", "health").Inc()
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

Timing operations:

	timer := metrics.NewTimer()
	reconcile()
	timer.ObserveDuration(metrics.ReconciliationDuration)

	timer = metrics.NewTimer()
	probe.Check(ctx)
	timer.ObserveDurationVec(metrics.HealthCheckDuration, "gpt", "http")

Polling collector:

	collector := metrics.NewCollector(sup, 15*time.Second)
	collector.Start()
	defer collector.Stop()

# Example Queries

Instance health:
  - Running instances: sum(hutch_instances_total{status="running"})
  - Unhealthy instances: hutch_instances_total{health="unhealthy"}
  - Restart rate: rate(hutch_instance_restarts_total[5m])

Run throughput:
  - Run rate: rate(hutch_runs_total[5m])
  - Failure ratio: rate(hutch_runs_total{status="error"}[5m]) / rate(hutch_runs_total[5m])
  - p95 run duration: histogram_quantile(0.95, hutch_run_duration_seconds_bucket)

Reconciler cadence:
  - Cycle rate: rate(hutch_reconciliation_cycles_total[5m])
  - p95 cycle time: histogram_quantile(0.95, hutch_reconciliation_duration_seconds_bucket)

Alerting:
  - Instance flapping: rate(hutch_instance_restarts_total[10m]) > 0.5
  - Stuck runs: hutch_runs_in_flight > 0 for 2h
  - Orphans appearing: increase(hutch_orphans_reaped_total[1h]) > 0
*/
package metrics
