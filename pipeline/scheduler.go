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
	"golang.org/x/sync/errgroup"
)

// SchedulerMode selects between the two execution models of §4.3.
// Switchable only while the owning Pipeline is Stopped or before Start.
type SchedulerMode string

const (
	ModeSequential SchedulerMode = "sequential"
	ModeAsync      SchedulerMode = "async"
)

// OnSkipPolicy decides what Overlay receives for a frame that Frame Skip
// suppressed (open question #1 of spec.md §9, resolved as an explicit
// config choice).
type OnSkipPolicy string

const (
	OnSkipReusePrevious OnSkipPolicy = "reuse_previous"
	OnSkipDrawNothing   OnSkipPolicy = "draw_nothing"
)

// CaptureItem boxes a captured Frame together with the downstream-skip flag
// a Capture post-hook (Frame Skip) may set. It is the item type the
// Capture Stage's pre/post hooks operate on.
type CaptureItem struct {
	Frame          Frame
	SkipDownstream bool
}

// SchedulerOptions configures a Scheduler (§4.3, §6 pipeline.* options).
type SchedulerOptions struct {
	Mode         SchedulerMode
	QueueSize    int           // Async mode only, default 10
	StopDeadline time.Duration // default 5s
	OnSkip       OnSkipPolicy  // default reuse_previous
	StageTimeout time.Duration // default 30s, applied to OCR/Translate stages
}

// DefaultSchedulerOptions returns the spec's defaults.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		Mode:         ModeSequential,
		QueueSize:    10,
		StopDeadline: 5 * time.Second,
		OnSkip:       OnSkipReusePrevious,
		StageTimeout: 30 * time.Second,
	}
}

// Scheduler composes the six named Stages into a running graph, in either
// Sequential or Async mode (§4.3). Preprocess and Validate are optional;
// a nil Stage there is simply skipped.
type Scheduler struct {
	opts    SchedulerOptions
	regions *RegionSet
	log     *zap.SugaredLogger

	Capture    *Stage // item: Region in, CaptureItem out
	Preprocess *Stage // item: Frame in, Frame out (optional)
	OCR        *Stage // item: Frame in, []TextBlock out
	Validate   *Stage // item: []TextBlock in, []TextBlock out (optional)
	Translate  *Stage // item: []TextBlock in, []TranslatedBlock out
	Overlay    *Stage // item: []TranslatedBlock in, []TranslatedBlock out

	globalHooks []hookSlot // global (pipeline-level) optimizer hooks, e.g. Priority Queue

	mu           sync.Mutex
	lastOverlay  map[RegionId][]TranslatedBlock
	nextDue      map[RegionId]time.Time
	frameCounter map[RegionId]uint64
	dropped      map[RegionId]uint64

	cancel    context.CancelFunc
	done      chan struct{}
	faulted   map[HookStage]bool
	faultedMu sync.Mutex
}

// NewScheduler constructs a Scheduler over the given regions. Stages are
// assigned to the exported fields after construction.
func NewScheduler(opts SchedulerOptions, regions *RegionSet, log *zap.SugaredLogger) *Scheduler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10
	}
	if opts.StopDeadline <= 0 {
		opts.StopDeadline = 5 * time.Second
	}
	if opts.OnSkip == "" {
		opts.OnSkip = OnSkipReusePrevious
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		opts:         opts,
		regions:      regions,
		log:          log,
		lastOverlay:  make(map[RegionId][]TranslatedBlock),
		nextDue:      make(map[RegionId]time.Time),
		frameCounter: make(map[RegionId]uint64),
		dropped:      make(map[RegionId]uint64),
		faulted:      make(map[HookStage]bool),
	}
}

// AddGlobalHook registers a pipeline-level optimizer hook (Priority Queue is
// the canonical example), run on the []TextBlock batch immediately before
// it is handed to the Translate stage.
func (s *Scheduler) AddGlobalHook(name string, hook OptimizerHook) {
	s.globalHooks = append(s.globalHooks, hookSlot{name: name, hook: hook, isPre: true})
}

func (s *Scheduler) runGlobalHooks(item interface{}) interface{} {
	for _, slot := range s.globalHooks {
		decision := slot.invoke(item)
		switch decision.Kind {
		case DecisionContinue, DecisionSkip:
			item = decision.Item
		case DecisionFail:
			s.log.Warnw("global hook failed, item proceeds unchanged", "hook", slot.name, "error", decision.Err)
		}
	}
	return item
}

// Dropped returns the number of frames dropped by Capture-side rate
// control for region id (not to be confused with stage-level Dropped, which
// counts primary-plugin failures).
func (s *Scheduler) Dropped(id RegionId) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[id]
}

func (s *Scheduler) markFaulted(stage HookStage) {
	s.faultedMu.Lock()
	defer s.faultedMu.Unlock()
	s.faulted[stage] = true
}

// Faulted reports whether a stage failed to drain within the stop
// deadline (§8 property 9).
func (s *Scheduler) Faulted(stage HookStage) bool {
	s.faultedMu.Lock()
	defer s.faultedMu.Unlock()
	return s.faulted[stage]
}

// Run starts the scheduler in the configured mode and blocks until ctx is
// cancelled, at which point it drains within StopDeadline and returns. Async
// mode's per-region, per-stage workers are supervised by an
// errgroup.Group (golang.org/x/sync/errgroup), the same mechanism used
// elsewhere in the pack for thread-per-stage fan-out; Sequential mode has a
// single worker and uses it trivially.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	for _, st := range []*Stage{s.OCR, s.Translate} {
		if st != nil && st.Timeout == 0 {
			st.Timeout = s.opts.StageTimeout
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	done := make(chan struct{})
	s.done = done
	go func() {
		g.Wait()
		close(done)
	}()

	switch s.opts.Mode {
	case ModeAsync:
		s.runAsync(gctx, g)
	default:
		g.Go(func() error { return s.runSequential(gctx) })
	}

	<-done
	return nil
}

// Stop cancels the running scheduler and waits up to StopDeadline for all
// worker goroutines to exit (§5 cancellation, §8 property 9). Stages still
// alive past the deadline are marked faulted and Stop returns anyway.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.opts.StopDeadline):
		s.log.Warnw("stop deadline exceeded, marking live stages faulted", "deadline", s.opts.StopDeadline)
		for _, stage := range []HookStage{StageCapture, StagePreprocess, StageOCR, StageValidate, StageTranslate, StageOverlay} {
			s.markFaulted(stage)
		}
	}
}

// runSequential is the cooperative single-threaded reference mode (§4.3):
// regions are interleaved round-robin, one frame fully completing through
// every stage before the next region's turn.
func (s *Scheduler) runSequential(ctx context.Context) error {
	regions := s.regions.Enabled()
	if len(regions) == 0 {
		return nil
	}

	for {
		for _, region := range regions {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.runOneFrame(ctx, region)
		}
	}
}

// runAsync launches one capture driver plus one worker goroutine per stage,
// per enabled region, connected by bounded FIFO channels (§4.3, §5), each
// supervised by g.
func (s *Scheduler) runAsync(ctx context.Context, g *errgroup.Group) {
	for _, region := range s.regions.Enabled() {
		region := region
		captureToOCR := make(chan Frame, s.opts.QueueSize)
		ocrToTranslate := make(chan []TextBlock, s.opts.QueueSize)
		translateToOverlay := make(chan []TranslatedBlock, s.opts.QueueSize)

		g.Go(func() error { s.captureDriver(ctx, region, captureToOCR); return nil })
		g.Go(func() error { s.ocrWorker(ctx, region, captureToOCR, ocrToTranslate); return nil })
		g.Go(func() error { s.translateWorker(ctx, region, ocrToTranslate, translateToOverlay); return nil })
		g.Go(func() error { s.overlayWorker(ctx, region, translateToOverlay); return nil })
	}
}

// captureDriver throttles to the region's configured FPS and performs the
// "drop rather than queue" rate control of §4.3: a non-blocking send that
// drops the frame when captureToOCR is full.
func (s *Scheduler) captureDriver(ctx context.Context, region Region, out chan<- Frame) {
	defer close(out)
	period := time.Second / time.Duration(max(region.FPS, 1))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			item, skip := s.captureOne(ctx, region)
			if item == nil {
				continue
			}
			if skip {
				s.deliverSkippedFrame(ctx, region, *item)
				continue
			}
			select {
			case out <- *item:
			default:
				s.mu.Lock()
				s.dropped[region.ID]++
				s.mu.Unlock()
			}
		}
	}
}

func (s *Scheduler) ocrWorker(ctx context.Context, region Region, in <-chan Frame, out chan<- []TextBlock) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			blocks, err := s.runOCR(ctx, frame)
			if err != nil {
				continue
			}
			select {
			case out <- blocks:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) translateWorker(ctx context.Context, region Region, in <-chan []TextBlock, out chan<- []TranslatedBlock) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case blocks, ok := <-in:
			if !ok {
				return
			}
			translated, err := s.runTranslate(ctx, blocks)
			if err != nil {
				continue
			}
			s.rememberOverlay(region.ID, translated)
			select {
			case out <- translated:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) overlayWorker(ctx context.Context, region Region, in <-chan []TranslatedBlock) {
	for {
		select {
		case <-ctx.Done():
			return
		case blocks, ok := <-in:
			if !ok {
				return
			}
			s.Overlay.Process(ctx, blocks)
		}
	}
}

// runOneFrame executes the full Capture -> ... -> Overlay chain for one
// region, synchronously, honoring FPS gating and Frame Skip's downstream
// short-circuit. Used by Sequential mode.
func (s *Scheduler) runOneFrame(ctx context.Context, region Region) {
	s.mu.Lock()
	due, ok := s.nextDue[region.ID]
	now := time.Now()
	if ok && now.Before(due) {
		s.frameCounter[region.ID]++
		s.mu.Unlock()
		return
	}
	period := time.Second / time.Duration(max(region.FPS, 1))
	s.nextDue[region.ID] = now.Add(period)
	s.mu.Unlock()

	item, skip := s.captureOne(ctx, region)
	if item == nil {
		return
	}
	if skip {
		s.deliverSkippedFrame(ctx, region, *item)
		return
	}

	blocks, err := s.runOCR(ctx, item.Frame)
	if err != nil {
		return
	}
	translated, err := s.runTranslate(ctx, blocks)
	if err != nil {
		return
	}
	s.rememberOverlay(region.ID, translated)
	s.Overlay.Process(ctx, translated)
}

// captureOne runs the Capture stage (with its pre/post hooks, including
// Frame Skip) for one region and reports the resulting item plus whether
// downstream processing should be short-circuited.
func (s *Scheduler) captureOne(ctx context.Context, region Region) (*Frame, bool) {
	s.mu.Lock()
	s.frameCounter[region.ID]++
	s.mu.Unlock()

	raw, err := s.Capture.Process(ctx, region)
	if err != nil || raw == nil {
		return nil, false
	}
	ci, ok := raw.(CaptureItem)
	if !ok {
		return nil, false
	}
	if s.Preprocess != nil && !ci.SkipDownstream {
		pre, err := s.Preprocess.Process(ctx, ci.Frame)
		if err != nil || pre == nil {
			return nil, false
		}
		ci.Frame = pre.(Frame)
	}
	return &ci.Frame, ci.SkipDownstream
}

// deliverSkippedFrame applies the configured OnSkipPolicy for a frame Frame
// Skip suppressed (§9 open question 1, §8 property 2).
func (s *Scheduler) deliverSkippedFrame(ctx context.Context, region Region, frame Frame) {
	if s.opts.OnSkip != OnSkipReusePrevious {
		return
	}
	s.mu.Lock()
	prev, ok := s.lastOverlay[region.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.Overlay.Process(ctx, prev)
}

func (s *Scheduler) runOCR(ctx context.Context, frame Frame) ([]TextBlock, error) {
	out, err := s.OCR.Process(ctx, frame)
	if err != nil || out == nil {
		return nil, err
	}
	blocks := out.([]TextBlock)
	if s.Validate != nil {
		out, err = s.Validate.Process(ctx, blocks)
		if err != nil || out == nil {
			return nil, err
		}
		blocks = out.([]TextBlock)
	}
	return blocks, nil
}

func (s *Scheduler) runTranslate(ctx context.Context, blocks []TextBlock) ([]TranslatedBlock, error) {
	gated := s.runGlobalHooks(blocks)
	out, err := s.Translate.Process(ctx, gated)
	if err != nil || out == nil {
		return nil, err
	}
	return out.([]TranslatedBlock), nil
}

func (s *Scheduler) rememberOverlay(id RegionId, blocks []TranslatedBlock) {
	s.mu.Lock()
	s.lastOverlay[id] = blocks
	s.mu.Unlock()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
