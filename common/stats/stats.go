// Package stats records counters, gauges and latencies in a go-metrics
// registry. Components get a StatsReceiver already scoped to their own
// namespace, ex. "engine/requests/SUBMIT" or "registry/resource/meteo/errors",
// and the whole registry renders as one flat JSON object for the admin
// endpoint.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// Clock used by latency timers. Tests replace it.
var Time StatsTime = DefaultStatsTime()

const sampleSize = 1000

// StatsRegistry is the subset of metrics.Registry the receivers use.
type StatsRegistry interface {
	GetOrRegister(string, interface{}) interface{}
	Unregister(string)
	Each(func(string, interface{}))
}

// MarshalerPretty is implemented by registries that can render indented JSON.
type MarshalerPretty interface {
	MarshalJSONPretty() ([]byte, error)
}

// StatsReceiver hands out instruments under a '/' separated scope. A '/'
// inside a name element is replaced with "_SLASH_", since elements are often
// resource names.
//
//	stat.Scope("registry", "meteo").Counter("errors")
//	stat.Counter("registry", "meteo", "errors") // same counter
type StatsReceiver interface {
	Scope(scope ...string) StatsReceiver

	// Precision sets the unit latencies are rendered in. Values below 1ns
	// mean nanoseconds.
	Precision(time.Duration) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	Remove(name ...string)

	// Render returns the whole registry as JSON.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver over a fresh finagle-style
// registry, with millisecond latencies.
func DefaultStatsReceiver() StatsReceiver {
	return NewCustomStatsReceiver(NewFinagleStatsRegistry)
}

// NewCustomStatsReceiver uses the registry built by makeRegistry, or a plain
// go-metrics registry when nil.
func NewCustomStatsReceiver(makeRegistry func() StatsRegistry) StatsReceiver {
	var reg StatsRegistry
	if makeRegistry != nil {
		reg = makeRegistry()
	} else {
		reg = metrics.NewRegistry()
	}
	return &defaultStatsReceiver{registry: reg, precision: time.Millisecond}
}

type defaultStatsReceiver struct {
	registry  StatsRegistry
	precision time.Duration
	scope     []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, precision: s.precision, scope: s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = 1
	}
	return &defaultStatsReceiver{registry: s.registry, precision: precision, scope: s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), NewCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGauge).(Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	// go-metrics only calls factories returning its own types, so the
	// latency is built eagerly.
	return s.registry.GetOrRegister(s.scopedName(name...), NewLatency().Precision(s.precision)).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	var (
		data []byte
		err  error
	)
	if mp, ok := s.registry.(MarshalerPretty); ok && pretty {
		data, err = mp.MarshalJSONPretty()
	} else {
		data, err = json.Marshal(s.registry)
	}
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Could not render stats")
		return []byte("{}")
	}
	return data
}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	out := make([]string, 0, len(s.scope)+len(scope))
	out = append(out, s.scope...)
	for _, sc := range scope {
		out = append(out, strings.Replace(sc, "/", "_SLASH_", -1))
	}
	return out
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver drops everything. Counters and gauges always read 0.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(...string) StatsReceiver         { return s }
func (s nilStatsReceiver) Precision(time.Duration) StatsReceiver { return s }
func (s nilStatsReceiver) Counter(...string) Counter             { return counter{metrics.NilCounter{}} }
func (s nilStatsReceiver) Gauge(...string) Gauge                 { return gauge{metrics.NilGauge{}} }
func (s nilStatsReceiver) Latency(...string) Latency             { return nilLatency{} }
func (s nilStatsReceiver) Remove(...string)                      {}
func (s nilStatsReceiver) Render(bool) []byte                    { return []byte{} }

type Counter interface {
	Count() int64
	Inc(int64)
}

type counter struct{ metrics.Counter }

func NewCounter() Counter { return counter{metrics.NewCounter()} }

type Gauge interface {
	Update(int64)
	Value() int64
}

type gauge struct{ metrics.Gauge }

func NewGauge() Gauge { return gauge{metrics.NewGauge()} }

// Latency is a histogram of durations. Time starts a timer that records
// into it when stopped:
//
//	defer stat.Latency("submitLatency_ms").Time().Stop()
type Latency interface {
	Time() Latency
	Stop()
	GetPrecision() time.Duration
	Precision(time.Duration) Latency
}

// latency is shared by every caller of one name; Time returns a copy
// carrying its own start time. The histogram is embedded so the go-metrics
// registry accepts it.
type latency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func NewLatency() Latency {
	return &latency{
		Histogram: metrics.NewHistogram(metrics.NewUniformSample(sampleSize)),
		precision: time.Nanosecond,
	}
}

func (l *latency) Time() Latency {
	return &latency{Histogram: l.Histogram, start: Time.Now(), precision: l.precision}
}

func (l *latency) Stop() { l.Update(Time.Since(l.start).Nanoseconds()) }

func (l *latency) GetPrecision() time.Duration { return l.precision }

func (l *latency) Precision(p time.Duration) Latency {
	if p < 1 {
		p = 1
	}
	l.precision = p
	return l
}

type nilLatency struct{}

func (l nilLatency) Time() Latency                   { return l }
func (l nilLatency) Stop()                           {}
func (l nilLatency) GetPrecision() time.Duration     { return 0 }
func (l nilLatency) Precision(time.Duration) Latency { return l }

// finagleStatsRegistry renders the twitter-server admin format: counters
// and gauges as plain values, latencies as name.avg, name.p99, ...
type finagleStatsRegistry struct {
	metrics.Registry
}

func NewFinagleStatsRegistry() StatsRegistry {
	return &finagleStatsRegistry{metrics.NewRegistry()}
}

func (r *finagleStatsRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.flatten())
}

func (r *finagleStatsRegistry) MarshalJSONPretty() ([]byte, error) {
	return json.MarshalIndent(r.flatten(), "", "  ")
}

func (r *finagleStatsRegistry) flatten() map[string]interface{} {
	data := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			data[name] = m.Count()
		case Gauge:
			data[name] = m.Value()
		case *latency:
			flattenHistogram(data, name, m.Snapshot(), m.precision)
		default:
			log.WithFields(log.Fields{"name": name}).Warn("Unrecognized instrument")
		}
	})
	return data
}

var percentiles = []struct {
	p     float64
	label string
}{
	{0.5, "p50"},
	{0.9, "p90"},
	{0.95, "p95"},
	{0.99, "p99"},
	{0.999, "p999"},
}

func flattenHistogram(data map[string]interface{}, name string, h metrics.Histogram, unit time.Duration) {
	fu, iu := float64(unit), int64(unit)
	data[name+".avg"] = h.Mean() / fu
	data[name+".count"] = h.Count()
	data[name+".max"] = h.Max() / iu
	data[name+".min"] = h.Min() / iu
	data[name+".sum"] = h.Sum() / iu

	ps := make([]float64, len(percentiles))
	for i, p := range percentiles {
		ps[i] = p.p
	}
	for i, v := range h.Percentiles(ps) {
		data[name+"."+percentiles[i].label] = v / fu
	}
}
