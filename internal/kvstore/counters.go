package kvstore

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatType selects how CounterSet aggregates repeated addStatValue calls
// for the same key, matching the COUNT/SUM/AVG categories of the
// original platform's fbzmq stat counters (spec §4.8).
type StatType int

const (
	StatCount StatType = iota
	StatSum
	StatAvg
)

// CounterSet accumulates the KVS's internal statistics (requests
// handled, bytes sent, queue depths) and exposes them two ways: a plain
// name->value snapshot for COUNTERS_GET requests (matching the original
// platform's introspection command), and Prometheus gauges for scrape-based
// monitoring, grounded on zephyrcache's internal/telemetry/metrics.go
// registry pattern.
type CounterSet struct {
	mu      sync.Mutex
	counts  map[string]int64
	sums    map[string]int64
	avgSum  map[string]int64
	avgCnt  map[string]int64

	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
	subsystem string
}

// NewCounterSet returns an empty set registered under subsystem (e.g.
// "kvstore" or "decision") in registry. registry may be nil, in which
// case Prometheus export is skipped and only the name->value snapshot
// is available.
func NewCounterSet(subsystem string, registry *prometheus.Registry) *CounterSet {
	return &CounterSet{
		counts:    make(map[string]int64),
		sums:      make(map[string]int64),
		avgSum:    make(map[string]int64),
		avgCnt:    make(map[string]int64),
		registry:  registry,
		gauges:    make(map[string]prometheus.Gauge),
		subsystem: subsystem,
	}
}

// Count increments a COUNT-type stat, e.g. "kvstore.cmd_key_set".
func (c *CounterSet) Count(key string, delta int64) { c.add(key, delta, StatCount) }

// Sum accumulates a SUM-type stat, e.g. "kvstore.sent_key_vals".
func (c *CounterSet) Sum(key string, delta int64) { c.add(key, delta, StatSum) }

// Avg folds a sample into an AVG-type stat, e.g. "kvstore.rate_limit_keys".
func (c *CounterSet) Avg(key string, sample int64) { c.add(key, sample, StatAvg) }

func (c *CounterSet) add(key string, v int64, t StatType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t {
	case StatCount:
		c.counts[key] += v
	case StatSum:
		c.sums[key] += v
	case StatAvg:
		c.avgSum[key] += v
		c.avgCnt[key]++
	}
	c.syncGaugeLocked(key)
}

func (c *CounterSet) syncGaugeLocked(key string) {
	if c.registry == nil {
		return
	}
	g, ok := c.gauges[key]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openr",
			Subsystem: c.subsystem,
			Name:      sanitizeMetricName(strings.TrimPrefix(key, c.subsystem+".")),
		})
		if err := c.registry.Register(g); err != nil {
			// Another CounterSet already registered this name; reuse it.
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				g = are.ExistingCollector.(prometheus.Gauge)
			}
		}
		c.gauges[key] = g
	}
	g.Set(float64(c.valueLocked(key)))
}

func (c *CounterSet) valueLocked(key string) int64 {
	if v, ok := c.counts[key]; ok {
		return v
	}
	if v, ok := c.sums[key]; ok {
		return v
	}
	if n := c.avgCnt[key]; n > 0 {
		return c.avgSum[key] / n
	}
	return 0
}

// Snapshot returns every known stat's current value, for CmdCountersGet.
func (c *CounterSet) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts)+len(c.sums)+len(c.avgCnt))
	for k, v := range c.counts {
		out[k] = v
	}
	for k, v := range c.sums {
		out[k] = v
	}
	for k := range c.avgCnt {
		out[k] = c.valueLocked(k)
	}
	return out
}

func sanitizeMetricName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if ch == '.' || ch == '-' {
			out[i] = '_'
		} else {
			out[i] = ch
		}
	}
	return string(out)
}
