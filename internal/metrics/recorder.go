// Package metrics provides an in-memory client.MetricsHandler. The worker and
// the services share one Recorder per process and log its snapshot on shutdown.
package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.temporal.io/sdk/client"
)

// TimerStat aggregates recorded durations.
type TimerStat struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Snapshot is a point-in-time copy of every series, keyed by name{tag=value,...}.
type Snapshot struct {
	Counters map[string]int64     `json:"counters"`
	Gauges   map[string]float64   `json:"gauges"`
	Timers   map[string]TimerStat `json:"timers"`
}

type registry struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]TimerStat
}

// Recorder implements client.MetricsHandler. Handlers derived through
// WithTags write into the same registry.
type Recorder struct {
	reg  *registry
	tags map[string]string
}

var _ client.MetricsHandler = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{
		reg: &registry{
			counters: map[string]int64{},
			gauges:   map[string]float64{},
			timers:   map[string]TimerStat{},
		},
	}
}

func (r *Recorder) WithTags(tags map[string]string) client.MetricsHandler {
	merged := make(map[string]string, len(r.tags)+len(tags))
	for k, v := range r.tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return &Recorder{reg: r.reg, tags: merged}
}

func (r *Recorder) Counter(name string) client.MetricsCounter {
	return counter{reg: r.reg, key: seriesKey(name, r.tags)}
}

func (r *Recorder) Gauge(name string) client.MetricsGauge {
	return gauge{reg: r.reg, key: seriesKey(name, r.tags)}
}

func (r *Recorder) Timer(name string) client.MetricsTimer {
	return timer{reg: r.reg, key: seriesKey(name, r.tags)}
}

// Snapshot copies the current values.
func (r *Recorder) Snapshot() Snapshot {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	s := Snapshot{
		Counters: make(map[string]int64, len(r.reg.counters)),
		Gauges:   make(map[string]float64, len(r.reg.gauges)),
		Timers:   make(map[string]TimerStat, len(r.reg.timers)),
	}
	for k, v := range r.reg.counters {
		s.Counters[k] = v
	}
	for k, v := range r.reg.gauges {
		s.Gauges[k] = v
	}
	for k, v := range r.reg.timers {
		s.Timers[k] = v
	}
	return s
}

// CounterTotal sums a counter across all tag sets.
func (r *Recorder) CounterTotal(name string) int64 {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	var total int64
	for k, v := range r.reg.counters {
		if k == name || strings.HasPrefix(k, name+"{") {
			total += v
		}
	}
	return total
}

// LogSummary writes one log line per series.
func (r *Recorder) LogSummary(logger *slog.Logger) {
	s := r.Snapshot()
	for _, k := range sortedKeys(s.Counters) {
		logger.Info("metric", "type", "counter", "series", k, "value", s.Counters[k])
	}
	for _, k := range sortedKeys(s.Gauges) {
		logger.Info("metric", "type", "gauge", "series", k, "value", s.Gauges[k])
	}
	for _, k := range sortedKeys(s.Timers) {
		t := s.Timers[k]
		logger.Info("metric", "type", "timer", "series", k, "count", t.Count, "total", t.Total.String(), "max", t.Max.String())
	}
}

type counter struct {
	reg *registry
	key string
}

func (c counter) Inc(delta int64) {
	c.reg.mu.Lock()
	c.reg.counters[c.key] += delta
	c.reg.mu.Unlock()
}

type gauge struct {
	reg *registry
	key string
}

func (g gauge) Update(v float64) {
	g.reg.mu.Lock()
	g.reg.gauges[g.key] = v
	g.reg.mu.Unlock()
}

type timer struct {
	reg *registry
	key string
}

func (t timer) Record(d time.Duration) {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	st := t.reg.timers[t.key]
	st.Count++
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
	t.reg.timers[t.key] = st
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range sortedKeys(tags) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
