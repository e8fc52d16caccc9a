/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerState mirrors gobreaker's three states under the §4.7 vocabulary.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a per-PluginInstance circuit breaker (§4.7): consecutive
// failures >= F open the breaker for a cool-down; a single probe call
// transitions to half-open; success closes, failure re-opens.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// BreakerOptions configures a Breaker.
type BreakerOptions struct {
	FailureThreshold uint32        // F, default 5
	CoolDown         time.Duration // default 10s
}

// DefaultBreakerOptions returns the spec's defaults (§4.7).
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{FailureThreshold: 5, CoolDown: 10 * time.Second}
}

// NewBreaker constructs a Breaker named after the plugin/stage it guards.
func NewBreaker(name string, opts BreakerOptions) *Breaker {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.CoolDown == 0 {
		opts.CoolDown = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: opts.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		// MaxRequests = 1 means exactly one probe call is allowed while
		// half-open, matching §4.7's "a single probe call transitions to
		// half-open".
		MaxRequests: 1,
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. While open it returns
// PersistentEngineError without invoking fn (§4.2: "an open breaker causes
// its stage to yield fail for all items").
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &PersistentEngineError{Engine: b.name}
	}
	return result, err
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	case gobreaker.StateOpen:
		return BreakerOpen
	default:
		return BreakerClosed
	}
}

// Counts exposes the breaker's raw failure/success counters for reporting.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// RestartPolicy governs crash isolation (§4.7): a primary plugin
// invocation that panics (this module's in-process analogue of a
// subprocess crash) is recovered and its item dropped; up to MaxRestarts
// such crashes are tolerated within Window, beyond which the owning Stage
// is left permanently faulted.
// Attached to a Stage via Stage.SetRestartPolicy.
type RestartPolicy struct {
	MaxRestarts int
	Window      time.Duration
}

// DefaultRestartPolicy returns the spec's defaults (R=3, window=60s).
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxRestarts: 3, Window: 60 * time.Second}
}

// restartTracker records crash-restart attempts for one Stage and decides
// whether another attempt is allowed within the policy's window.
type restartTracker struct {
	policy     RestartPolicy
	windowFrom time.Time
	attempts   int
}

func newRestartTracker(policy RestartPolicy) *restartTracker {
	return &restartTracker{policy: policy}
}

// Allow records a crash and reports whether a restart attempt is still
// permitted. It resets the attempt counter when the window has elapsed.
func (t *restartTracker) Allow(now time.Time) bool {
	if t.windowFrom.IsZero() || now.Sub(t.windowFrom) > t.policy.Window {
		t.windowFrom = now
		t.attempts = 0
	}
	if t.attempts >= t.policy.MaxRestarts {
		return false
	}
	t.attempts++
	return true
}

// StageHealth is the health report for one stage, returned by
// Pipeline.Health() (§7: "pipeline.health() -> {stage: {state, last_error,
// breaker_state, counters}}").
type StageHealth struct {
	Stage         HookStage
	BreakerState  BreakerState
	LastError     string
	LastErrorTime time.Time
	Faulted       bool
	Metrics       MetricsSnapshot
}
