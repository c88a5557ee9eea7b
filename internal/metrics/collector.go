// Package metrics provides a small dependency-free collector that serves
// counters and gauges in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector.
var Collector = NewCollector()

type MetricsCollector struct {
	counters  sync.Map // name -> *Counter
	gauges    sync.Map // name -> *Gauge
	startTime time.Time
}

func NewCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns (creating on first use) the named counter.
func (mc *MetricsCollector) Counter(name, help string) *Counter {
	if v, ok := mc.counters.Load(name); ok {
		return v.(*Counter)
	}
	c := &Counter{name: name, help: help}
	actual, _ := mc.counters.LoadOrStore(name, c)
	return actual.(*Counter)
}

// Gauge returns (creating on first use) the named gauge.
func (mc *MetricsCollector) Gauge(name, help string) *Gauge {
	if v, ok := mc.gauges.Load(name); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help}
	actual, _ := mc.gauges.LoadOrStore(name, g)
	return actual.(*Gauge)
}

// Uptime returns how long the collector has been running.
func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.startTime)
}

// Export renders all metrics in Prometheus text format, sorted by name
// for stable output.
func (mc *MetricsCollector) Export() string {
	var b strings.Builder

	var counters []*Counter
	mc.counters.Range(func(_, v any) bool {
		counters = append(counters, v.(*Counter))
		return true
	})
	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	for _, c := range counters {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, c.Value())
	}

	var gauges []*Gauge
	mc.gauges.Range(func(_, v any) bool {
		gauges = append(gauges, v.(*Gauge))
		return true
	})
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.Value())
	}

	fmt.Fprintf(&b, "# HELP relaybot_uptime_seconds Process uptime.\n# TYPE relaybot_uptime_seconds gauge\nrelaybot_uptime_seconds %d\n",
		int64(mc.Uptime().Seconds()))

	return b.String()
}

// Handler serves the exposition endpoint.
func (mc *MetricsCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(mc.Export()))
	})
}
