// Package telemetry defines the counter/gauge/histogram sink consumed by
// every component. The core only ever writes; sinks may be no-ops.
package telemetry

import (
	"sort"
	"strings"
	"sync"
)

// Sink receives metric updates. Names are flat and namespaced by
// component (for example ratelimit_kv_unavailable_total). Labels are
// alternating key/value pairs and must be consistent per metric name.
// Implementations are safe for concurrent use.
type Sink interface {
	Count(name string, delta float64, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Observe(name string, value float64, labels ...string)
}

// Nop discards all updates.
type Nop struct{}

func (Nop) Count(string, float64, ...string)   {}
func (Nop) Gauge(string, float64, ...string)   {}
func (Nop) Observe(string, float64, ...string) {}

// Recorder accumulates updates in memory for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	counts map[string]float64
	gauges map[string]float64
	obs    map[string][]float64
}

func NewRecorder() *Recorder {
	return &Recorder{
		counts: make(map[string]float64),
		gauges: make(map[string]float64),
		obs:    make(map[string][]float64),
	}
}

// series builds a stable map key from a metric name and its label pairs.
func series(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func (r *Recorder) Count(name string, delta float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[series(name, labels)] += delta
}

func (r *Recorder) Gauge(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[series(name, labels)] = value
}

func (r *Recorder) Observe(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := series(name, labels)
	r.obs[key] = append(r.obs[key], value)
}

// CountOf returns the accumulated counter value for the exact name and
// label pairs used by the caller under test.
func (r *Recorder) CountOf(name string, labels ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[series(name, labels)]
}

// GaugeOf returns the last gauge value set.
func (r *Recorder) GaugeOf(name string, labels ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[series(name, labels)]
}

// Observations returns recorded histogram samples.
func (r *Recorder) Observations(name string, labels ...string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.obs[series(name, labels)]...)
}
