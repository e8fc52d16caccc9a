/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PrimaryFunc invokes a stage's primary plugin against one item.
type PrimaryFunc func(ctx context.Context, item interface{}) (interface{}, error)

// StageMetrics holds the observables of §4.2: counters, an error
// breakdown, and exponential moving averages of latency and throughput.
// Counters are plain atomics (the "sharded or atomic" shared-state
// allowance of §5); there is no lock on the hot path.
type StageMetrics struct {
	Input          uint64
	Output         uint64
	Dropped        uint64
	Skipped        uint64
	HookFailures   uint64
	PrimaryFailure uint64

	latencyEWMANanos uint64
	throughputEWMAHz uint64 // fixed-point, x1000
	lastItemNanos    int64
	lastErrorMu      sync.RWMutex
	lastError        string
	lastErrorTime    time.Time
}

const ewmaAlphaPercent = 20 // 0.2 smoothing factor, matches common EMA defaults

func (m *StageMetrics) recordLatency(d time.Duration) {
	nanos := uint64(d.Nanoseconds())
	for {
		prev := atomic.LoadUint64(&m.latencyEWMANanos)
		var next uint64
		if prev == 0 {
			next = nanos
		} else {
			next = (prev*uint64(100-ewmaAlphaPercent) + nanos*uint64(ewmaAlphaPercent)) / 100
		}
		if atomic.CompareAndSwapUint64(&m.latencyEWMANanos, prev, next) {
			return
		}
	}
}

func (m *StageMetrics) recordThroughput() {
	now := time.Now().UnixNano()
	last := atomic.SwapInt64(&m.lastItemNanos, now)
	if last == 0 {
		return
	}
	intervalNanos := now - last
	if intervalNanos <= 0 {
		return
	}
	hzX1000 := uint64(1e12) / uint64(intervalNanos)
	for {
		prev := atomic.LoadUint64(&m.throughputEWMAHz)
		var next uint64
		if prev == 0 {
			next = hzX1000
		} else {
			next = (prev*uint64(100-ewmaAlphaPercent) + hzX1000*uint64(ewmaAlphaPercent)) / 100
		}
		if atomic.CompareAndSwapUint64(&m.throughputEWMAHz, prev, next) {
			return
		}
	}
}

// LatencyEWMA returns the exponentially weighted moving average latency.
func (m *StageMetrics) LatencyEWMA() time.Duration {
	return time.Duration(atomic.LoadUint64(&m.latencyEWMANanos))
}

// ThroughputEWMA returns the exponentially weighted moving average
// throughput in items/second.
func (m *StageMetrics) ThroughputEWMA() float64 {
	return float64(atomic.LoadUint64(&m.throughputEWMAHz)) / 1000.0
}

func (m *StageMetrics) recordError(err error) {
	m.lastErrorMu.Lock()
	defer m.lastErrorMu.Unlock()
	m.lastError = err.Error()
	m.lastErrorTime = time.Now()
}

// LastError returns the most recently recorded error message and its time.
func (m *StageMetrics) LastError() (string, time.Time) {
	m.lastErrorMu.RLock()
	defer m.lastErrorMu.RUnlock()
	return m.lastError, m.lastErrorTime
}

// MetricsSnapshot is a lock-free, copyable point-in-time view of
// StageMetrics, safe to embed in health reports.
type MetricsSnapshot struct {
	Input          uint64
	Output         uint64
	Dropped        uint64
	Skipped        uint64
	HookFailures   uint64
	PrimaryFailure uint64
	LatencyEWMA    time.Duration
	ThroughputEWMA float64
}

// Snapshot takes a consistent, lock-free copy of the counters.
func (m *StageMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Input:          atomic.LoadUint64(&m.Input),
		Output:         atomic.LoadUint64(&m.Output),
		Dropped:        atomic.LoadUint64(&m.Dropped),
		Skipped:        atomic.LoadUint64(&m.Skipped),
		HookFailures:   atomic.LoadUint64(&m.HookFailures),
		PrimaryFailure: atomic.LoadUint64(&m.PrimaryFailure),
		LatencyEWMA:    m.LatencyEWMA(),
		ThroughputEWMA: m.ThroughputEWMA(),
	}
}

// hookSlot pairs a named optimizer hook with which half of the
// OptimizerHook interface it was registered for.
type hookSlot struct {
	name  string
	hook  OptimizerHook
	isPre bool
}

// invoke dispatches to the half of OptimizerHook this slot was registered
// for. Set by AddPreHook/AddPostHook.
func (h hookSlot) invoke(item interface{}) Decision {
	if h.isPre {
		return h.hook.Pre(item)
	}
	return h.hook.Post(item)
}

// Stage wraps exactly one primary plugin plus ordered pre/post optimizer
// hooks (§3, §4.2). The zero value is not usable; construct via NewStage.
type Stage struct {
	Name      HookStage
	Primary   PrimaryFunc
	Timeout   time.Duration
	breaker   *Breaker
	preHooks  []hookSlot
	postHooks []hookSlot
	metrics   StageMetrics
	log       *zap.SugaredLogger

	// restarts tracks crash-restart attempts against RestartPolicy (§4.7).
	// nil means this stage carries no crash-isolation policy: a panicking
	// primary is still recovered, recorded as a PluginCrashError and its
	// item dropped, but the
	// stage is never permanently faulted for it.
	restarts    *restartTracker
	faultedMu   sync.Mutex
	permFaulted bool

	// serialize gates concurrent Primary invocations when the backing plugin
	// instance has not declared reentrant=true (§5: "Translate is serialized
	// per plugin instance" unless the descriptor says otherwise). nil means
	// no gating is needed (Sequential mode, or a reentrant plugin).
	serialize *semaphore.Weighted
}

// NewStage constructs a Stage with no hooks attached. AddPreHook/AddPostHook
// attach optimizer hooks afterward. Pass reentrant=false when this stage's
// primary plugin may be invoked concurrently by multiple region workers
// (Async mode) and its descriptor does not declare itself reentrant; calls
// are then serialized with a weight-1 semaphore rather than a plain mutex,
// so the same gating mechanism can later be generalized to a configurable
// concurrency limit.
func NewStage(name HookStage, primary PrimaryFunc, timeout time.Duration, breaker *Breaker, reentrant bool, log *zap.SugaredLogger) *Stage {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Stage{Name: name, Primary: primary, Timeout: timeout, breaker: breaker, log: log}
	if !reentrant {
		s.serialize = semaphore.NewWeighted(1)
	}
	return s
}

// AddPreHook appends an optimizer hook to run, in order, before the primary
// plugin.
func (s *Stage) AddPreHook(name string, hook OptimizerHook) {
	s.preHooks = append(s.preHooks, hookSlot{name: name, hook: hook, isPre: true})
}

// AddPostHook appends an optimizer hook to run, in order, after the primary
// plugin (or after a pre-hook skip).
func (s *Stage) AddPostHook(name string, hook OptimizerHook) {
	s.postHooks = append(s.postHooks, hookSlot{name: name, hook: hook, isPre: false})
}

// SetRestartPolicy attaches a crash-restart policy (§4.7): a primary plugin
// invocation that panics is recovered and counted as a crash; once
// restartTracker.Allow refuses further attempts within the policy's window,
// the stage is permanently faulted and every subsequent item is dropped
// with a PersistentEngineError, mirroring a subprocess plugin left Stopped.
func (s *Stage) SetRestartPolicy(policy RestartPolicy) {
	s.restarts = newRestartTracker(policy)
}

// Faulted reports whether this stage's RestartPolicy has been exhausted.
func (s *Stage) Faulted() bool {
	s.faultedMu.Lock()
	defer s.faultedMu.Unlock()
	return s.permFaulted
}

// Metrics returns the stage's observable counters.
func (s *Stage) Metrics() *StageMetrics {
	return &s.metrics
}

// Process runs one item through the stage per the §4.2 algorithm:
//  1. pre-hooks in order (mutate / skip / fail)
//  2. primary plugin, unless skipped
//  3. post-hooks in order
//  4. the caller sends the result to the next stage's input queue
//
// Process returns (nil, nil) if the item was dropped (primary failure) so
// callers can distinguish "nothing to emit" from "stage-fatal error" (there
// is no stage-fatal error for a single item; per §4.2 the stage itself
// always continues).
func (s *Stage) Process(ctx context.Context, item interface{}) (interface{}, error) {
	start := time.Now()
	atomic.AddUint64(&s.metrics.Input, 1)

	skipped := false
	for _, slot := range s.preHooks {
		item, skipped = s.runHook(slot, item)
		if skipped {
			break
		}
	}

	var out interface{}
	if skipped {
		out = item
	} else {
		result, err := s.invokePrimary(ctx, item)
		if err != nil {
			atomic.AddUint64(&s.metrics.PrimaryFailure, 1)
			atomic.AddUint64(&s.metrics.Dropped, 1)
			s.metrics.recordError(err)
			return nil, nil
		}
		out = result
	}

	for _, slot := range s.postHooks {
		var postSkip bool
		out, postSkip = s.runHook(slot, out)
		if postSkip {
			break
		}
	}

	atomic.AddUint64(&s.metrics.Output, 1)
	s.metrics.recordLatency(time.Since(start))
	s.metrics.recordThroughput()
	return out, nil
}

// runHook runs a single hook and applies the non-fatal hook-failure policy
// of §4.2: a failing hook leaves item unchanged and the item proceeds.
func (s *Stage) runHook(slot hookSlot, item interface{}) (result interface{}, skip bool) {
	decision := slot.invoke(item)
	switch decision.Kind {
	case DecisionContinue:
		return decision.Item, false
	case DecisionSkip:
		atomic.AddUint64(&s.metrics.Skipped, 1)
		return decision.Item, true
	case DecisionFail:
		atomic.AddUint64(&s.metrics.HookFailures, 1)
		s.metrics.recordError(&HookError{Hook: slot.name, Msg: decision.Err.Error()})
		s.log.Warnw("optimizer hook failed, item proceeds with pre-hook state",
			"stage", s.Name, "hook", slot.name, "error", decision.Err)
		return item, false
	default:
		return item, false
	}
}

// invokePrimary calls the primary plugin, honoring the per-stage timeout
// (§5) and routing failures through the circuit breaker (§4.7) when one is
// attached.
func (s *Stage) invokePrimary(ctx context.Context, item interface{}) (interface{}, error) {
	if s.restarts != nil && s.Faulted() {
		return nil, &PersistentEngineError{Engine: string(s.Name)}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	call := func() (res interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PluginCrashError{Stage: string(s.Name), Reason: fmt.Sprintf("%v", r)}
			}
		}()
		if s.serialize != nil {
			if err := s.serialize.Acquire(ctx, 1); err != nil {
				return nil, &CancelledError{}
			}
			defer s.serialize.Release(1)
		}
		return s.Primary(ctx, item)
	}

	var result interface{}
	var err error
	if s.breaker == nil {
		result, err = call()
	} else {
		result, err = s.breaker.Execute(call)
	}

	if _, crashed := err.(*PluginCrashError); crashed && s.restarts != nil {
		if s.restarts.Allow(time.Now()) {
			s.log.Warnw("plugin crashed, restart permitted", "stage", s.Name, "error", err)
		} else {
			s.faultedMu.Lock()
			s.permFaulted = true
			s.faultedMu.Unlock()
			s.log.Errorw("plugin exceeded restart policy, stage permanently faulted", "stage", s.Name, "error", err)
		}
	}

	return result, err
}
