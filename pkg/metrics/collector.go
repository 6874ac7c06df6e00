package metrics

import (
	"time"

	"github.com/cuemby/hutch/pkg/supervisor"
)

// Collector polls the instance supervisor on an interval and
// republishes its state as Prometheus gauges.
type Collector struct {
	sup    *supervisor.Supervisor
	stopCh chan struct{}
}

// NewCollector constructs a Collector bound to a running Supervisor.
func NewCollector(sup *supervisor.Supervisor) *Collector {
	return &Collector{sup: sup, stopCh: make(chan struct{})}
}

// Start begins polling every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectBinaryMetrics()
}

func (c *Collector) collectInstanceMetrics() {
	records, err := c.sup.List()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	now := time.Now()
	for _, rec := range records {
		status := string(rec.Status)
		health := string(rec.Health)
		if counts[status] == nil {
			counts[status] = make(map[string]int)
		}
		counts[status][health]++

		if rec.StartedAt != nil {
			InstanceUptimeSeconds.WithLabelValues(rec.Name).Set(now.Sub(*rec.StartedAt).Seconds())
		} else {
			InstanceUptimeSeconds.WithLabelValues(rec.Name).Set(0)
		}
	}

	InstancesTotal.Reset()
	for status, healths := range counts {
		for health, n := range healths {
			InstancesTotal.WithLabelValues(status, health).Set(float64(n))
		}
	}
}

func (c *Collector) collectBinaryMetrics() {
	entries, err := c.sup.Registry.List()
	if err != nil {
		return
	}
	BinariesInstalledTotal.Set(float64(len(entries)))
}
