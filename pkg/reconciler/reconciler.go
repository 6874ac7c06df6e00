// Package reconciler implements the periodic desired-vs-actual
// convergence loop: for every non-stopped runtime record,
// classify its process and fold missing/mismatched/zombie/stale into a
// state transition or warning event, then scan for orphaned processes of
// the managed binary.
package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/procprobe"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/types"
)

// DefaultInterval is the reconciliation loop's period.
const DefaultInterval = 30 * time.Second

// Reconciler never throws: it only produces
// classifications and events. It must never issue restarts itself; that
// responsibility belongs to the health monitor.
type Reconciler struct {
	runtime  *store.RunStateStore
	interval time.Duration
	logger   zerolog.Logger

	scanOrphans   bool
	binaryPattern string

	mu     sync.Mutex
	stopCh chan struct{}
}

func New(runtime *store.RunStateStore, interval time.Duration, scanOrphans bool, binaryPattern string) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		runtime: runtime, interval: interval,
		scanOrphans: scanOrphans, binaryPattern: binaryPattern,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.Tick()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// Tick runs exactly one reconciliation cycle; exported so callers (tests,
// `hutchd daemon run` before its first ticker fire) can force a cycle.
func (r *Reconciler) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	records, err := r.runtime.List()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list runtime records")
		return
	}

	knownPIDs := map[int]bool{}
	for _, rec := range records {
		if rec.Status == types.InstanceStopped {
			continue
		}
		if rec.PID != nil {
			knownPIDs[*rec.PID] = true
		}
		r.reconcileOne(rec)
	}

	if r.scanOrphans {
		r.scanForOrphans(knownPIDs)
	}
}

func (r *Reconciler) reconcileOne(rec *types.InstanceRuntimeRecord) {
	if rec.PID == nil {
		return
	}
	lastSeen := time.Time{}
	if rec.LastSeenAt != nil {
		lastSeen = *rec.LastSeenAt
	}

	result := procprobe.Classify(*rec.PID, rec.Name, lastSeen, 0)
	switch result.Status {
	case procprobe.Valid:
		now := time.Now().UTC()
		rec.LastSeenAt = &now
		_ = r.runtime.Upsert(rec)

	case procprobe.Missing:
		rec.Status = types.InstanceStopped
		rec.Health = types.HealthUnknown
		rec.PID = nil
		rec.LastError = "process died unexpectedly"
		_ = r.runtime.Upsert(rec)
		r.emit("process_died", rec.Name, "instance process is no longer running", types.LevelWarning, nil)

	case procprobe.PIDMismatch:
		rec.Status = types.InstanceError
		rec.LastError = "pid reused by unrelated process"
		_ = r.runtime.Upsert(rec)
		r.emit("pid_mismatch", rec.Name, "recorded pid now belongs to an unrelated process", types.LevelError, nil)

	case procprobe.Zombie:
		rec.Status = types.InstanceError
		rec.LastError = "process is a zombie"
		_ = r.runtime.Upsert(rec)
		r.emit("zombie_process", rec.Name, "process is defunct", types.LevelError, nil)

	case procprobe.Stale:
		// No state change, warning only.
		r.emit("reconciliation", rec.Name, "runtime record has not been refreshed recently", types.LevelWarning, nil)
	}
}

func (r *Reconciler) scanForOrphans(knownPIDs map[int]bool) {
	if r.binaryPattern == "" {
		return
	}
	orphans, err := procprobe.FindOrphans(r.binaryPattern, knownPIDs)
	if err != nil {
		r.logger.Warn().Err(err).Msg("orphan scan failed")
		return
	}
	for _, o := range orphans {
		metrics.OrphansReapedTotal.Inc()
		r.emit("orphan_detected", "", "unmanaged process matching known binary found", types.LevelWarning, map[string]interface{}{
			"pid": o.PID, "cmdline": o.Cmdline,
		})
	}
}

func (r *Reconciler) emit(eventType, instance, message string, level types.EventLevel, meta map[string]interface{}) {
	_ = r.runtime.AppendEvent(&types.EventRecord{
		EventType: eventType, InstanceName: instance, Message: message, Level: level, Metadata: meta,
	})
	r.logger.Debug().Str("event", eventType).Str("instance", instance).Msg(message)
}
