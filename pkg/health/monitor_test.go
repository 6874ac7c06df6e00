package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func basicPolicy() Policy {
	return Policy{
		RestartEnabled: true,
		MaxRetries:     3,
		Retries:        2,
		InitialDelay:   10 * time.Millisecond,
		MaxDelay:       100 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
		CheckInterval:  time.Second,
	}
}

func TestObserveResetsOnSuccess(t *testing.T) {
	s := NewInstanceState("mymodel", basicPolicy())
	s.ConsecutiveFailures = 5
	restart := s.Observe(types.HealthCheckResult{Success: true, Outcome: types.HealthHealthy}, basicPolicy())
	assert.False(t, restart)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestObserveTriggersRestartAfterThreshold(t *testing.T) {
	policy := basicPolicy()
	s := NewInstanceState("mymodel", policy)
	s.StartedAt = time.Now().Add(-time.Hour)

	assert.False(t, s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthUnhealthy}, policy))
	assert.True(t, s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthUnhealthy}, policy))
}

func TestObserveIgnoresLoadingDuringGracePeriod(t *testing.T) {
	policy := basicPolicy()
	policy.StartPeriod = time.Minute
	s := NewInstanceState("mymodel", policy)

	restart := s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthLoading}, policy)
	assert.False(t, restart)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestObserveRespectsMaxRetries(t *testing.T) {
	policy := basicPolicy()
	policy.MaxRetries = 0
	s := NewInstanceState("mymodel", policy)
	s.StartedAt = time.Now().Add(-time.Hour)

	s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthUnhealthy}, policy)
	restart := s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthUnhealthy}, policy)
	assert.False(t, restart)
}

func TestObserveDisabledWhenRestartNotEnabled(t *testing.T) {
	policy := basicPolicy()
	policy.RestartEnabled = false
	s := NewInstanceState("mymodel", policy)
	s.StartedAt = time.Now().Add(-time.Hour)

	s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthUnhealthy}, policy)
	restart := s.Observe(types.HealthCheckResult{Success: false, Outcome: types.HealthUnhealthy}, policy)
	assert.False(t, restart)
}

func TestNextCheckIntervalBacksOffOnFailure(t *testing.T) {
	policy := basicPolicy()
	s := NewInstanceState("mymodel", policy)
	s.ConsecutiveFailures = 0
	assert.Equal(t, policy.CheckInterval, s.NextCheckInterval(policy))

	s.ConsecutiveFailures = 1
	delay := s.NextCheckInterval(policy)
	assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
}

type countingProber struct {
	mu      sync.Mutex
	results []types.HealthCheckResult
	idx     int
	calls   int
}

func (c *countingProber) Check(ctx context.Context) types.HealthCheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	r := c.results[c.idx]
	if c.idx < len(c.results)-1 {
		c.idx++
	}
	return r
}

func TestMonitorWatchTriggersRestartCallback(t *testing.T) {
	policy := basicPolicy()
	policy.CheckInterval = 5 * time.Millisecond
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond

	var restarted int32
	m := NewMonitor(func(ctx context.Context, name string) {
		atomic.AddInt32(&restarted, 1)
	})
	m.TickResolution = time.Millisecond

	prober := &countingProber{results: []types.HealthCheckResult{
		{Success: false, Outcome: types.HealthUnhealthy},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch("mymodel", prober, policy)
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&restarted) > 0
	}, time.Second, 5*time.Millisecond)

	m.Unwatch("mymodel")
	_, ok := m.State("mymodel")
	assert.False(t, ok)
}

func TestMonitorTickChecksOnlyDueInstances(t *testing.T) {
	policy := basicPolicy()
	policy.CheckInterval = time.Hour

	m := NewMonitor(nil)
	prober := &countingProber{results: []types.HealthCheckResult{{Success: true, Outcome: types.HealthHealthy}}}
	m.Watch("mymodel", prober, policy)

	// First tick checks (nextDue is zero); the hour-long interval keeps
	// the second tick from checking again.
	m.Tick(context.Background())
	m.Tick(context.Background())

	prober.mu.Lock()
	defer prober.mu.Unlock()
	assert.Equal(t, 1, prober.calls)
}

func TestMonitorOnResultReceivesEveryCheck(t *testing.T) {
	policy := basicPolicy()
	policy.CheckInterval = 5 * time.Millisecond

	m := NewMonitor(nil)
	var calls int32
	m.OnResult = func(name string, result types.HealthCheckResult) {
		atomic.AddInt32(&calls, 1)
	}

	prober := &countingProber{results: []types.HealthCheckResult{{Success: true, Outcome: types.HealthHealthy}}}
	m.Watch("mymodel", prober, policy)
	m.Tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMonitorUnwatchRemovesInstance(t *testing.T) {
	m := NewMonitor(nil)
	policy := basicPolicy()
	prober := &countingProber{results: []types.HealthCheckResult{{Success: true, Outcome: types.HealthHealthy}}}

	m.Watch("mymodel", prober, policy)
	_, ok := m.State("mymodel")
	assert.True(t, ok)

	m.Unwatch("mymodel")
	_, ok = m.State("mymodel")
	assert.False(t, ok)

	m.Tick(context.Background())
	prober.mu.Lock()
	defer prober.mu.Unlock()
	assert.Zero(t, prober.calls)
}
