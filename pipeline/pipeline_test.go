/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// TestCircuitBreakerOpensAfterConsecutiveFailuresThenProbes exercises §8
// property 8: after F consecutive failures the breaker opens, no primary
// invocation occurs during cool-down, and exactly one probe call is issued
// once the cool-down elapses.
func TestCircuitBreakerOpensAfterConsecutiveFailuresThenProbes(t *testing.T) {
	const failThreshold = 3
	cooldown := 50 * time.Millisecond

	var calls int64
	var shouldFail int32 = 1
	primary := func(ctx context.Context, item interface{}) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		if atomic.LoadInt32(&shouldFail) == 1 {
			return nil, fmt.Errorf("engine unavailable")
		}
		return "ok", nil
	}

	breaker := pipeline.NewBreaker("test-engine", pipeline.BreakerOptions{
		FailureThreshold: failThreshold,
		CoolDown:         cooldown,
	})
	stage := pipeline.NewStage(pipeline.StageTranslate, primary, 0, breaker, true, nil)

	for i := 0; i < failThreshold; i++ {
		_, _ = stage.Process(context.Background(), nil)
	}
	require.Equal(t, pipeline.BreakerOpen, breaker.State())
	callsAtOpen := atomic.LoadInt64(&calls)

	// While open, further Process calls must not reach the primary.
	_, _ = stage.Process(context.Background(), nil)
	assert.Equal(t, callsAtOpen, atomic.LoadInt64(&calls), "breaker open must short-circuit the primary")

	time.Sleep(cooldown + 20*time.Millisecond)
	atomic.StoreInt32(&shouldFail, 0)

	_, _ = stage.Process(context.Background(), nil)
	assert.Equal(t, callsAtOpen+1, atomic.LoadInt64(&calls), "cool-down elapsed must allow exactly one probe call")
	assert.Equal(t, pipeline.BreakerClosed, breaker.State(), "a successful probe must close the breaker")
}

// TestStageRestartPolicyPermanentlyFaultsAfterExceedingRestarts exercises
// §4.7 crash isolation: a primary plugin that panics is recovered rather
// than crashing the process, restarts are permitted up to MaxRestarts
// within Window, and the stage becomes permanently faulted (every further
// item dropped with a PersistentEngineError) once that budget is spent.
func TestStageRestartPolicyPermanentlyFaultsAfterExceedingRestarts(t *testing.T) {
	var calls int64
	primary := func(ctx context.Context, item interface{}) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		panic("simulated plugin crash")
	}

	stage := pipeline.NewStage(pipeline.StageOCR, primary, 0, nil, true, nil)
	stage.SetRestartPolicy(pipeline.RestartPolicy{MaxRestarts: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := stage.Process(context.Background(), nil)
		require.NoError(t, err, "Process never returns a stage-fatal error for a single item")
		assert.False(t, stage.Faulted(), "restart budget not yet exhausted")
	}

	_, err := stage.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, stage.Faulted(), "exceeding MaxRestarts must permanently fault the stage")

	callsAtFault := atomic.LoadInt64(&calls)
	_, err = stage.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, callsAtFault, atomic.LoadInt64(&calls), "a permanently faulted stage must not invoke the primary again")
}

// TestSchedulerStopHonorsDeadline exercises §8 property 9: from the call
// to Stop, every stage worker exits or is marked faulted within
// stop_deadline_ms.
func TestSchedulerStopHonorsDeadline(t *testing.T) {
	regions, err := pipeline.NewRegionSet([]pipeline.RegionConfig{
		{W: 8, H: 8, FPS: 120},
	})
	require.NoError(t, err)

	opts := pipeline.DefaultSchedulerOptions()
	opts.StopDeadline = 100 * time.Millisecond
	sched := pipeline.NewScheduler(opts, regions, nil)

	ok := func(ctx context.Context, item interface{}) (interface{}, error) { return item, nil }
	sched.Capture = pipeline.NewStage(pipeline.StageCapture, func(ctx context.Context, item interface{}) (interface{}, error) {
		return pipeline.CaptureItem{Frame: pipeline.Frame{Width: 1, Height: 1, Pixels: []byte{0}}}, nil
	}, 0, nil, true, nil)
	sched.OCR = pipeline.NewStage(pipeline.StageOCR, func(ctx context.Context, item interface{}) (interface{}, error) {
		return []pipeline.TextBlock{}, nil
	}, 0, nil, true, nil)
	sched.Translate = pipeline.NewStage(pipeline.StageTranslate, func(ctx context.Context, item interface{}) (interface{}, error) {
		return []pipeline.TranslatedBlock{}, nil
	}, 0, nil, true, nil)
	sched.Overlay = pipeline.NewStage(pipeline.StageOverlay, ok, 0, nil, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	stopStart := time.Now()
	sched.Stop()
	elapsed := time.Since(stopStart)

	assert.Less(t, elapsed, opts.StopDeadline+200*time.Millisecond,
		"Stop must return within the configured deadline plus scheduling slack")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler run loop did not exit after Stop")
	}
}
