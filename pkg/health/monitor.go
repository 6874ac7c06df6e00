package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/hutch/pkg/types"
)

// InstanceState tracks one instance's health-monitoring bookkeeping.
type InstanceState struct {
	Name                string
	ConsecutiveFailures int
	LastResult          types.HealthCheckResult
	LastCheckAt         time.Time
	RestartAttempts     int
	LastRestartAt       time.Time
	StartedAt           time.Time

	restartBackoff  *backoff.ExponentialBackOff
	intervalBackoff *backoff.ExponentialBackOff
}

// Policy is the per-instance configuration the Monitor evaluates against.
type Policy struct {
	RestartEnabled bool
	MaxRetries     int
	Retries        int // consecutive failures before triggering restart
	StartPeriod    time.Duration
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	CheckInterval  time.Duration
}

func newBackoff(policy Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = policy.JitterFraction
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewInstanceState creates fresh bookkeeping for an instance that just
// started.
func NewInstanceState(name string, policy Policy) *InstanceState {
	return &InstanceState{
		Name:            name,
		StartedAt:       time.Now(),
		restartBackoff:  newBackoff(policy),
		intervalBackoff: newBackoff(policy),
	}
}

func (s *InstanceState) inGrace(policy Policy) bool {
	if policy.StartPeriod <= 0 {
		return false
	}
	return time.Since(s.StartedAt) < policy.StartPeriod
}

// clampDelay enforces the 0.1s floor on a jittered delay.
func clampDelay(d time.Duration) time.Duration {
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// Observe folds one check result into the instance's bookkeeping and
// reports whether a restart should be triggered.
func (s *InstanceState) Observe(result types.HealthCheckResult, policy Policy) (shouldRestart bool) {
	s.LastResult = result
	s.LastCheckAt = time.Now()

	switch {
	case result.Success:
		s.ConsecutiveFailures = 0
		s.RestartAttempts = 0
		s.restartBackoff = newBackoff(policy)
		return false

	case result.Outcome == types.HealthLoading && s.inGrace(policy):
		// loading during grace period: not counted as a failure.
		return false

	default:
		s.ConsecutiveFailures++
	}

	if !policy.RestartEnabled {
		return false
	}
	if s.inGrace(policy) {
		return false
	}
	if s.ConsecutiveFailures < policy.Retries {
		return false
	}
	if s.RestartAttempts >= policy.MaxRetries {
		return false
	}

	if !s.LastRestartAt.IsZero() {
		delay := clampDelay(s.restartBackoff.NextBackOff())
		if time.Since(s.LastRestartAt) < delay {
			return false
		}
	}

	return true
}

// RecordRestart marks that a restart attempt was just made.
func (s *InstanceState) RecordRestart() {
	s.RestartAttempts++
	s.LastRestartAt = time.Now()
}

// NextCheckInterval returns the backed-off delay before the next check,
// so a dying endpoint is not hammered at the nominal interval.
func (s *InstanceState) NextCheckInterval(policy Policy) time.Duration {
	if s.ConsecutiveFailures == 0 {
		s.intervalBackoff = newBackoff(policy)
		if policy.CheckInterval > 0 {
			return policy.CheckInterval
		}
		return time.Second
	}
	return clampDelay(s.intervalBackoff.NextBackOff())
}

// RestartFunc is invoked when the Monitor decides an instance should be
// restarted.
type RestartFunc func(ctx context.Context, name string)

// ResultFunc is invoked after every check with its raw result, so the
// caller can fold health outcomes into its own records.
type ResultFunc func(name string, result types.HealthCheckResult)

// watchedInstance pairs a prober and policy with the instance's
// bookkeeping and the next time it is due for a check.
type watchedInstance struct {
	prober  Prober
	policy  Policy
	state   *InstanceState
	nextDue time.Time
}

// Monitor runs periodic checks for a set of instances from a single
// loop: every tick it walks the watched set and checks the instances
// whose interval has elapsed. There is no dedicated goroutine per
// instance; per-instance cadence comes from Policy.CheckInterval plus
// the check-interval back-off in InstanceState.
type Monitor struct {
	mu        sync.Mutex
	instances map[string]*watchedInstance
	onRestart RestartFunc
	stopCh    chan struct{}

	// OnResult, when set before Start, receives every check result.
	OnResult ResultFunc

	// TickResolution is how often the loop wakes to look for due
	// checks. Defaults to one second.
	TickResolution time.Duration
}

func NewMonitor(onRestart RestartFunc) *Monitor {
	return &Monitor{
		instances: make(map[string]*watchedInstance),
		onRestart: onRestart,
		stopCh:    make(chan struct{}),
	}
}

// Watch registers name for periodic checking; the first check happens on
// the next loop tick. Watching an already-watched name replaces its
// prober, policy, and bookkeeping.
func (m *Monitor) Watch(name string, prober Prober, policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[name] = &watchedInstance{
		prober: prober,
		policy: policy,
		state:  NewInstanceState(name, policy),
	}
}

// Unwatch removes name from the watched set.
func (m *Monitor) Unwatch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, name)
}

// State returns a copy of the current bookkeeping for name, if watched.
func (m *Monitor) State(name string) (InstanceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.instances[name]
	if !ok {
		return InstanceState{}, false
	}
	return *w.state, true
}

// Start runs the monitoring loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	resolution := m.TickResolution
	if resolution <= 0 {
		resolution = time.Second
	}
	go func() {
		ticker := time.NewTicker(resolution)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop ends the loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

// Tick runs one pass over the watched set, checking every instance that
// has come due. Exported so callers (tests, one-shot CLI checks) can
// drive the loop themselves.
func (m *Monitor) Tick(ctx context.Context) {
	now := time.Now()
	due := make(map[string]*watchedInstance)
	m.mu.Lock()
	for name, w := range m.instances {
		if w.nextDue.IsZero() || !now.Before(w.nextDue) {
			due[name] = w
		}
	}
	m.mu.Unlock()

	for name, w := range due {
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		result := w.prober.Check(checkCtx)
		cancel()

		if m.OnResult != nil {
			m.OnResult(name, result)
		}

		m.mu.Lock()
		restart := w.state.Observe(result, w.policy)
		if restart {
			w.state.RecordRestart()
		}
		// Unwatch or a replacing Watch may have raced with this check;
		// only reschedule the entry that was actually checked.
		if cur, ok := m.instances[name]; ok && cur == w {
			w.nextDue = time.Now().Add(w.state.NextCheckInterval(w.policy))
		}
		m.mu.Unlock()

		if restart && m.onRestart != nil {
			m.onRestart(ctx, name)
		}
	}
}
