// Package metrics keeps Prometheus-style counters, gauges and histograms
// for the recipe host and renders them in the text exposition format.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType is the Prometheus type of a metric family.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels is one label set of a metric family.
type Labels map[string]string

// Key identifies a label set independent of map order.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String renders the label set as {k="v",...}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=\"%s\"", k, escapeLabel(l[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// With returns a copy of l with one more label.
func (l Labels) With(key, value string) Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[key] = value
	return out
}

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is a family that can render itself.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

type family struct {
	name string
	help string
}

func (f family) Name() string { return f.name }
func (f family) Help() string { return f.help }

func (f family) writeHeader(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, t)
}

// series walks label sets in a stable order so that output is diffable.
func series(m *sync.Map, fn func(key string, v any)) {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := m.Load(k)
		fn(k, v)
	}
}

// Counter only goes up.
type Counter struct {
	family
	values sync.Map // label key -> *counterValue
}

type counterValue struct {
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a counter family.
func NewCounter(name, help string) *Counter {
	return &Counter{family: family{name, help}}
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc adds one.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add adds delta to the series for labels.
func (c *Counter) Add(labels Labels, delta uint64) {
	v, _ := c.values.LoadOrStore(labels.Key(), &counterValue{labels: labels})
	v.(*counterValue).value.Add(delta)
}

// Get returns the series value, zero when it was never touched.
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.values.Load(labels.Key())
	if !ok {
		return 0
	}
	return v.(*counterValue).value.Load()
}

func (c *Counter) Write(sb *strings.Builder) {
	c.writeHeader(sb, TypeCounter)
	series(&c.values, func(_ string, v any) {
		cv := v.(*counterValue)
		fmt.Fprintf(sb, "%s%s %d\n", c.name, cv.labels, cv.value.Load())
	})
}

// Gauge is a value that goes up and down.
type Gauge struct {
	family
	values sync.Map // label key -> *gaugeValue
}

type gaugeValue struct {
	mu     sync.Mutex
	labels Labels
	value  float64
}

// NewGauge creates a gauge family.
func NewGauge(name, help string) *Gauge {
	return &Gauge{family: family{name, help}}
}

func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) series(labels Labels) *gaugeValue {
	v, _ := g.values.LoadOrStore(labels.Key(), &gaugeValue{labels: labels})
	return v.(*gaugeValue)
}

// Set replaces the series value.
func (g *Gauge) Set(labels Labels, value float64) {
	gv := g.series(labels)
	gv.mu.Lock()
	gv.value = value
	gv.mu.Unlock()
}

// Add shifts the series value by delta.
func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.series(labels)
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

// Get returns the series value.
func (g *Gauge) Get(labels Labels) float64 {
	v, ok := g.values.Load(labels.Key())
	if !ok {
		return 0
	}
	gv := v.(*gaugeValue)
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.writeHeader(sb, TypeGauge)
	series(&g.values, func(_ string, v any) {
		gv := v.(*gaugeValue)
		gv.mu.Lock()
		val := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, gv.labels, formatFloat(val))
	})
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	family
	bounds []float64
	values sync.Map // label key -> *histogramValue
}

type histogramValue struct {
	mu     sync.Mutex
	labels Labels
	count  uint64
	sum    float64
	counts []uint64 // per bucket, not cumulative
}

// DefaultBuckets suits Modbus round trips, in seconds.
func DefaultBuckets() []float64 {
	return []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
}

// NewHistogram creates a histogram family with the given upper bounds.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{family: family{name, help}, bounds: sorted}
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records one value.
func (h *Histogram) Observe(labels Labels, value float64) {
	v, _ := h.values.LoadOrStore(labels.Key(), &histogramValue{
		labels: labels,
		counts: make([]uint64, len(h.bounds)),
	})
	hv := v.(*histogramValue)
	hv.mu.Lock()
	defer hv.mu.Unlock()
	hv.count++
	hv.sum += value
	if i := sort.SearchFloat64s(h.bounds, value); i < len(h.bounds) {
		hv.counts[i]++
	}
}

// Timer starts a clock; calling the result observes the elapsed seconds.
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() { h.Observe(labels, time.Since(start).Seconds()) }
}

// HistogramSnapshot is a copy of one series.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64 // cumulative
}

// Snapshot copies the series for labels.
func (h *Histogram) Snapshot(labels Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	v, ok := h.values.Load(labels.Key())
	if !ok {
		return snap
	}
	hv := v.(*histogramValue)
	hv.mu.Lock()
	defer hv.mu.Unlock()
	snap.Count, snap.Sum = hv.count, hv.sum
	var cum uint64
	for i, b := range h.bounds {
		cum += hv.counts[i]
		snap.Buckets[b] = cum
	}
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.writeHeader(sb, TypeHistogram)
	series(&h.values, func(_ string, v any) {
		hv := v.(*histogramValue)
		hv.mu.Lock()
		count, sum := hv.count, hv.sum
		counts := append([]uint64(nil), hv.counts...)
		hv.mu.Unlock()

		var cum uint64
		for i, b := range h.bounds {
			cum += counts[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, hv.labels.With("le", formatFloat(b)), cum)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, hv.labels.With("le", "+Inf"), count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, hv.labels, formatFloat(sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, hv.labels, count)
	})
}

// Registry renders metric families in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a family; names must be unique.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[m.Name()]; ok {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister panics when Register fails.
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns a family by name, or nil.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every family in the text exposition format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
