// Package health implements the pluggable Health Prober:
// HTTP/TCP/script probe variants, a retry wrapper, and a periodic
// per-instance monitor with restart and check-interval backoff. Probes
// report a "loading" outcome distinct from failure so start grace
// periods can be honored.
package health

import (
	"context"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Prober is the interface every probe variant implements.
type Prober interface {
	Check(ctx context.Context) types.HealthCheckResult
}

// Config holds the probe-independent settings shared by all variants.
type Config struct {
	Timeout     time.Duration
	Retries     int
	RetryDelay  time.Duration
	StartPeriod time.Duration
}

// WithRetry wraps a Prober so Check retries up to cfg.Retries+1 times,
// sleeping RetryDelay between attempts. The first success wins; if every
// attempt fails, the last failure is returned.
func WithRetry(p Prober, cfg Config) Prober {
	return &retryingProber{inner: p, cfg: cfg}
}

type retryingProber struct {
	inner Prober
	cfg   Config
}

func (r *retryingProber) Check(ctx context.Context) types.HealthCheckResult {
	attempts := r.cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var last types.HealthCheckResult
	for i := 0; i < attempts; i++ {
		last = r.inner.Check(ctx)
		if last.Success {
			return last
		}
		if i < attempts-1 && r.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return last
			case <-time.After(r.cfg.RetryDelay):
			}
		}
	}
	return last
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
