// Package metrics holds the process-wide counters and gauges exposed on the
// control surface's /metrics endpoint in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Counter names, matching the original dvpn_* metric names.
const (
	ConnectSuccessTotal     = "dvpn_connect_success_total"
	ConnectFailureTotal     = "dvpn_connect_failure_total"
	FallbackAttemptTotal    = "dvpn_fallback_attempt_total"
	PaymentFailureTotal     = "dvpn_payment_failure_total"
	NodeRegisterSuccessTotal = "dvpn_node_register_success_total"
	NodeRegisterFailureTotal = "dvpn_node_register_failure_total"
)

// Gauge names.
const (
	ActiveConnections  = "dvpn_active_connections"
	BandwidthTotalMbps = "dvpn_bandwidth_total_mbps"
	LastGrantedMbps    = "dvpn_last_granted_mbps"
)

var counterNames = []string{
	ConnectSuccessTotal,
	ConnectFailureTotal,
	FallbackAttemptTotal,
	PaymentFailureTotal,
	NodeRegisterSuccessTotal,
	NodeRegisterFailureTotal,
}

var gaugeNames = []string{
	ActiveConnections,
	BandwidthTotalMbps,
	LastGrantedMbps,
}

// Registry holds lock-free counters and gauges for the whole process.
// Counters only ever increase; gauges are point-in-time values set by the
// supervisor and by cmd/dvpnd's bandwidth measurement.
type Registry struct {
	counters map[string]*atomic.Int64
	gauges   map[string]*atomic.Uint64 // bit pattern of a float64, via math.Float64bits
}

// NewRegistry creates a Registry pre-populated with every known counter and
// gauge at zero, so render always emits the full fixed set (matching the
// original's dict-literal initialization).
func NewRegistry() *Registry {
	r := &Registry{
		counters: make(map[string]*atomic.Int64, len(counterNames)),
		gauges:   make(map[string]*atomic.Uint64, len(gaugeNames)),
	}
	for _, name := range counterNames {
		r.counters[name] = &atomic.Int64{}
	}
	for _, name := range gaugeNames {
		r.gauges[name] = &atomic.Uint64{}
	}
	return r
}

// Inc increments a counter by delta. It is a no-op for unknown names.
func (r *Registry) Inc(name string, delta int64) {
	if c, ok := r.counters[name]; ok {
		c.Add(delta)
	}
}

// SetGauge sets a gauge to an absolute value. It is a no-op for unknown names.
func (r *Registry) SetGauge(name string, value float64) {
	if g, ok := r.gauges[name]; ok {
		g.Store(float64Bits(value))
	}
}

// Snapshot returns the current value of every counter, keyed by name, for
// durable persistence across restarts.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}

// Render returns the process's metrics in Prometheus text exposition
// format, counters and gauges each sorted by name.
func (r *Registry) Render() string {
	var b strings.Builder

	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, r.counters[name].Load())
	}

	names = names[:0]
	for name := range r.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %s\n", name, formatGauge(float64FromBits(r.gauges[name].Load())))
	}

	return b.String()
}
