/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exports the per-stage observables of §4.2/§4.7 as Prometheus
// collectors, so an operator can scrape the same counters the in-process
// Health() call surfaces.
type PromMetrics struct {
	input          *prometheus.GaugeVec
	output         *prometheus.GaugeVec
	dropped        *prometheus.GaugeVec
	skipped        *prometheus.GaugeVec
	hookFailures   *prometheus.GaugeVec
	primaryFailure *prometheus.GaugeVec
	latency        *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
}

// NewPromMetrics registers a fresh set of collectors on reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	labels := []string{"stage"}
	m := &PromMetrics{
		input: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_stage_input_total",
			Help: "Items received by a pipeline stage.",
		}, labels),
		output: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_stage_output_total",
			Help: "Items emitted by a pipeline stage.",
		}, labels),
		dropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_stage_dropped_total",
			Help: "Items dropped due to primary plugin failure.",
		}, labels),
		skipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_stage_skipped_total",
			Help: "Items short-circuited by an optimizer hook.",
		}, labels),
		hookFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_stage_hook_failures_total",
			Help: "Non-fatal optimizer hook failures.",
		}, labels),
		primaryFailure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_stage_primary_failures_total",
			Help: "Primary plugin failures.",
		}, labels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screenlingo_stage_latency_seconds",
			Help:    "Per-item wall-clock latency of a pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, labels),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlingo_circuit_breaker_state",
			Help: "0=closed 1=half-open 2=open",
		}, labels),
	}
	reg.MustRegister(m.input, m.output, m.dropped, m.skipped, m.hookFailures,
		m.primaryFailure, m.latency, m.breakerState)
	return m
}

// Observe copies a stage's snapshot and breaker state into the Prometheus
// collectors. Intended to be called from a periodic reporter goroutine
// rather than the hot path.
func (m *PromMetrics) Observe(stage HookStage, snap MetricsSnapshot, breaker *Breaker) {
	label := prometheus.Labels{"stage": string(stage)}
	m.input.With(label).Set(float64(snap.Input))
	m.output.With(label).Set(float64(snap.Output))
	m.dropped.With(label).Set(float64(snap.Dropped))
	m.skipped.With(label).Set(float64(snap.Skipped))
	m.hookFailures.With(label).Set(float64(snap.HookFailures))
	m.primaryFailure.With(label).Set(float64(snap.PrimaryFailure))
	m.latency.With(label).Observe(snap.LatencyEWMA.Seconds())
	if breaker != nil {
		var v float64
		switch breaker.State() {
		case BreakerHalfOpen:
			v = 1
		case BreakerOpen:
			v = 2
		}
		m.breakerState.With(label).Set(v)
	}
}

// ExportMetrics starts a goroutine that polls p.Health() every interval and
// feeds each stage's snapshot into m, until ctx is cancelled. It returns
// immediately; the caller serves m's collectors (reg) over HTTP.
func (p *Pipeline) ExportMetrics(ctx context.Context, m *PromMetrics, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health := p.Health()
				for stage, h := range health {
					var b *Breaker
					if attached, ok := p.breakers[stage]; ok {
						b = attached
					}
					m.Observe(stage, h.Metrics, b)
				}
			}
		}
	}()
}
