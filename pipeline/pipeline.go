/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LifecycleState is the Pipeline state machine of §3: Created -> Starting
// -> Running <-> Paused -> Stopping -> Stopped.
type LifecycleState int

const (
	LifecycleCreated LifecycleState = iota
	LifecycleStarting
	LifecycleRunning
	LifecyclePaused
	LifecycleStopping
	LifecycleStopped
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleCreated:
		return "created"
	case LifecycleStarting:
		return "starting"
	case LifecycleRunning:
		return "running"
	case LifecyclePaused:
		return "paused"
	case LifecycleStopping:
		return "stopping"
	case LifecycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is the decoded, validated shape of a pipeline configuration file
// (§6), sufficient to construct a Pipeline.
type Config struct {
	Mode              SchedulerMode
	FPS               int
	QueueSize         int
	StopDeadlineMS    int
	Regions           []RegionConfig
	DefaultOCREngine  string
	DefaultTranslator string
	OnSkip            OnSkipPolicy
}

// Pipeline is the top-level composition of Stages, a Scheduler, a Registry,
// and a TranslationRouter, with its own start/stop lifecycle (§3, §7).
type Pipeline struct {
	log      *zap.SugaredLogger
	registry *Registry
	router   *TranslationRouter
	regions  *RegionSet
	sched    *Scheduler

	breakers map[HookStage]*Breaker

	mu    sync.RWMutex
	state LifecycleState

	runErr chan error
}

// NewPipeline constructs a Pipeline in the Created state. Stages must be
// assigned onto Pipeline.Scheduler()'s fields before Start is called.
func NewPipeline(cfg Config, registry *Registry, log *zap.SugaredLogger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	regions, err := NewRegionSet(cfg.Regions)
	if err != nil {
		return nil, err
	}

	opts := DefaultSchedulerOptions()
	if cfg.Mode != "" {
		opts.Mode = cfg.Mode
	}
	if cfg.QueueSize > 0 {
		opts.QueueSize = cfg.QueueSize
	}
	if cfg.StopDeadlineMS > 0 {
		opts.StopDeadline = time.Duration(cfg.StopDeadlineMS) * time.Millisecond
	}
	if cfg.OnSkip != "" {
		opts.OnSkip = cfg.OnSkip
	}

	p := &Pipeline{
		log:      log,
		registry: registry,
		router:   NewTranslationRouter(log),
		regions:  regions,
		sched:    NewScheduler(opts, regions, log),
		breakers: make(map[HookStage]*Breaker),
		state:    LifecycleCreated,
	}
	return p, nil
}

// Scheduler exposes the underlying Scheduler so callers can assign Stage
// fields (Capture, OCR, Translate, Overlay, and the optional Preprocess /
// Validate) before Start.
func (p *Pipeline) Scheduler() *Scheduler { return p.sched }

// Router exposes the TranslationRouter for engine registration and mapping
// configuration before Start.
func (p *Pipeline) Router() *TranslationRouter { return p.router }

// Regions exposes the configured RegionSet.
func (p *Pipeline) Regions() *RegionSet { return p.regions }

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() LifecycleState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(s LifecycleState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start validates configuration (§7: ConfigurationError fails Start),
// transitions Created -> Starting -> Running, and runs the scheduler in a
// background goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != LifecycleCreated && p.state != LifecycleStopped {
		p.mu.Unlock()
		return newConfigErr("pipeline cannot start from state '%s'", p.state)
	}
	p.state = LifecycleStarting
	p.mu.Unlock()

	if p.sched.Capture == nil || p.sched.OCR == nil || p.sched.Translate == nil || p.sched.Overlay == nil {
		p.setState(LifecycleStopped)
		return newConfigErr("pipeline requires Capture, OCR, Translate, and Overlay stages before Start")
	}
	if len(p.regions.Enabled()) == 0 {
		p.setState(LifecycleStopped)
		return newConfigErr("pipeline has no enabled regions")
	}

	p.runErr = make(chan error, 1)
	p.setState(LifecycleRunning)
	go func() {
		p.runErr <- p.sched.Run(ctx)
	}()
	return nil
}

// Pause transitions Running -> Paused. It is a reporting-only state
// transition: the Scheduler does not read the lifecycle state, so neither
// Sequential nor Async mode stops processing frames while paused.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != LifecycleRunning {
		return newConfigErr("pipeline cannot pause from state '%s'", p.state)
	}
	p.state = LifecyclePaused
	return nil
}

// Resume transitions Paused -> Running.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != LifecyclePaused {
		return newConfigErr("pipeline cannot resume from state '%s'", p.state)
	}
	p.state = LifecycleRunning
	return nil
}

// Stop transitions Running/Paused -> Stopping -> Stopped, draining the
// scheduler within its configured StopDeadline (§5, §8 property 9).
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state != LifecycleRunning && p.state != LifecyclePaused {
		p.mu.Unlock()
		return newConfigErr("pipeline cannot stop from state '%s'", p.state)
	}
	p.state = LifecycleStopping
	p.mu.Unlock()

	p.sched.Stop()
	if p.registry != nil {
		_ = p.registry.StopWatching()
	}

	p.setState(LifecycleStopped)
	return nil
}

// Health returns the per-stage report of §7: pipeline.health() -> {stage:
// {state, last_error, breaker_state, counters}}.
func (p *Pipeline) Health() map[HookStage]StageHealth {
	out := make(map[HookStage]StageHealth)
	stages := map[HookStage]*Stage{
		StageCapture:    p.sched.Capture,
		StagePreprocess: p.sched.Preprocess,
		StageOCR:        p.sched.OCR,
		StageValidate:   p.sched.Validate,
		StageTranslate:  p.sched.Translate,
		StageOverlay:    p.sched.Overlay,
	}
	for name, stage := range stages {
		if stage == nil {
			continue
		}
		h := StageHealth{
			Stage:   name,
			Metrics: stage.Metrics().Snapshot(),
			Faulted: p.sched.Faulted(name) || stage.Faulted(),
		}
		if b, ok := p.breakers[name]; ok {
			h.BreakerState = b.State()
		} else {
			h.BreakerState = BreakerClosed
		}
		h.LastError, h.LastErrorTime = stage.Metrics().LastError()
		out[name] = h
	}
	return out
}

// AttachBreaker associates a circuit breaker with a named stage so Health()
// can report its state alongside the stage's counters.
func (p *Pipeline) AttachBreaker(stage HookStage, b *Breaker) {
	p.breakers[stage] = b
}
