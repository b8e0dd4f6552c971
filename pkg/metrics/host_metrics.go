// Metrics published by the recipe host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"
)

// HostMetrics groups every metric the recipe host publishes. All methods
// accept a nil receiver so components can run without metrics.
type HostMetrics struct {
	// Connection
	PLCState          *Gauge
	Connects          *Counter
	Disconnects       *Counter
	Retries           *Counter
	HandshakeFailures *Counter

	// Register traffic
	Chunks       *Counter
	ChunkErrors  *Counter
	ChunkLatency *Histogram
	Registers    *Counter

	// Recipes
	RecipeTransfers *Counter
	RecipeRows      *Gauge
	RecipeDuration  *Gauge
	AnalyzerWarns   *Counter

	// Process
	Uptime     *Gauge
	Goroutines *Gauge
	HeapBytes  *Gauge

	startTime time.Time
	registry  *Registry
}

// NewHostMetrics creates and registers the host metrics.
func NewHostMetrics() *HostMetrics {
	m := &HostMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),

		PLCState: NewGauge("mbe_plc_state",
			"Connection state (0=disconnected, 1=connecting, 2=validating, 3=connected)"),
		Connects: NewCounter("mbe_plc_connects_total",
			"Connections that passed the handshake"),
		Disconnects: NewCounter("mbe_plc_disconnects_total",
			"Connections dropped, by reason"),
		Retries: NewCounter("mbe_plc_retries_total",
			"Retried attempts, by operation"),
		HandshakeFailures: NewCounter("mbe_plc_handshake_failures_total",
			"Handshakes that did not read the magic number"),

		Chunks: NewCounter("mbe_modbus_requests_total",
			"Register requests sent, by operation"),
		ChunkErrors: NewCounter("mbe_modbus_request_errors_total",
			"Register requests that failed, by operation"),
		ChunkLatency: NewHistogram("mbe_modbus_request_seconds",
			"Register request round trip time", DefaultBuckets()),
		Registers: NewCounter("mbe_modbus_registers_total",
			"Registers transferred, by operation"),

		RecipeTransfers: NewCounter("mbe_recipe_transfers_total",
			"Recipe transfers, by direction and result"),
		RecipeRows: NewGauge("mbe_recipe_rows",
			"Rows in the last transferred recipe"),
		RecipeDuration: NewGauge("mbe_recipe_duration_seconds",
			"Analyzed duration of the last transferred recipe"),
		AnalyzerWarns: NewCounter("mbe_analyzer_warnings_total",
			"Warnings produced by the time analyzer"),

		Uptime: NewGauge("mbe_host_uptime_seconds",
			"Seconds since the host started"),
		Goroutines: NewGauge("mbe_go_goroutines",
			"Number of goroutines"),
		HeapBytes: NewGauge("mbe_go_heap_bytes",
			"Bytes of allocated heap objects"),
	}

	for _, metric := range []Metric{
		m.PLCState, m.Connects, m.Disconnects, m.Retries, m.HandshakeFailures,
		m.Chunks, m.ChunkErrors, m.ChunkLatency, m.Registers,
		m.RecipeTransfers, m.RecipeRows, m.RecipeDuration, m.AnalyzerWarns,
		m.Uptime, m.Goroutines, m.HeapBytes,
	} {
		m.registry.MustRegister(metric)
	}
	return m
}

// SetPLCState records the numeric connection state.
func (m *HostMetrics) SetPLCState(state int) {
	if m == nil {
		return
	}
	m.PLCState.Set(nil, float64(state))
}

// RecordConnect counts a validated connection.
func (m *HostMetrics) RecordConnect() {
	if m == nil {
		return
	}
	m.Connects.Inc(nil)
}

// RecordDisconnect counts a dropped connection.
func (m *HostMetrics) RecordDisconnect(reason string) {
	if m == nil {
		return
	}
	m.Disconnects.Inc(Labels{"reason": reason})
}

// RecordRetry counts a retried attempt of op.
func (m *HostMetrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.Inc(Labels{"op": op})
}

// RecordHandshakeFailure counts a failed handshake.
func (m *HostMetrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc(nil)
}

// RecordChunk records one register request.
func (m *HostMetrics) RecordChunk(op string, count int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	l := Labels{"op": op}
	m.Chunks.Inc(l)
	m.ChunkLatency.Observe(l, elapsed.Seconds())
	if err != nil {
		m.ChunkErrors.Inc(l)
		return
	}
	m.Registers.Add(l, uint64(count))
}

// RecordTransfer counts a recipe send or receive.
func (m *HostMetrics) RecordTransfer(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RecipeTransfers.Inc(Labels{"direction": direction, "result": result})
}

// SetRecipe publishes the size and analyzed duration of a recipe.
func (m *HostMetrics) SetRecipe(rows int, total time.Duration, warnings int) {
	if m == nil {
		return
	}
	m.RecipeRows.Set(nil, float64(rows))
	m.RecipeDuration.Set(nil, total.Seconds())
	if warnings > 0 {
		m.AnalyzerWarns.Add(nil, uint64(warnings))
	}
}

func (m *HostMetrics) updateProcess() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	m.Uptime.Set(nil, time.Since(m.startTime).Seconds())
	m.Goroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.HeapBytes.Set(nil, float64(ms.HeapAlloc))
}

// Gather refreshes process metrics and renders everything.
func (m *HostMetrics) Gather() string {
	m.updateProcess()
	return m.registry.Gather()
}

// Registry returns the registry backing m.
func (m *HostMetrics) Registry() *Registry {
	return m.registry
}
