/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package optimizer

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// PriorityQueueConfig configures the pipeline-level Priority Queue
// optimizer (§4.5): it reorders each frame's text blocks so
// higher-value text (larger on-screen area, higher OCR confidence) is
// placed first in the batch Translate receives, which matters when a
// downstream translation engine is rate-limited and only services the
// front of a batch.
type PriorityQueueConfig struct {
	// AgingBound is K: the max number of consecutive batches a given
	// block key may be de-prioritized before it is forced to the front,
	// so a persistently low-priority (but present) block is never
	// starved outright (§8 no-starvation property).
	AgingBound int
}

// DefaultPriorityQueueConfig returns the spec's default aging bound.
func DefaultPriorityQueueConfig() PriorityQueueConfig {
	return PriorityQueueConfig{AgingBound: 16}
}

// PriorityQueue is registered as a global (pipeline-level) hook via
// Scheduler.AddGlobalHook, run immediately before the Translate stage.
type PriorityQueue struct {
	cfg PriorityQueueConfig

	mu      sync.Mutex
	skipped map[string]int // block text -> consecutive batches spent not-first

	reordered uint64
	promoted  uint64
}

// NewPriorityQueue constructs a PriorityQueue hook.
func NewPriorityQueue(cfg PriorityQueueConfig) *PriorityQueue {
	if cfg.AgingBound <= 0 {
		cfg.AgingBound = 16
	}
	return &PriorityQueue{cfg: cfg, skipped: make(map[string]int)}
}

func score(b pipeline.TextBlock) float64 {
	area := float64(b.Bounds.W * b.Bounds.H)
	return area * b.Confidence
}

// Pre implements pipeline.OptimizerHook; PriorityQueue only runs as a
// pipeline-global hook (§4.5), but satisfies the same interface shape so
// it can be attached via AddGlobalHook alongside stage-local hooks.
func (p *PriorityQueue) Pre(item interface{}) pipeline.Decision {
	blocks, ok := item.([]pipeline.TextBlock)
	if !ok || len(blocks) < 2 {
		return pipeline.Continue(item)
	}

	ordered := make([]pipeline.TextBlock, len(blocks))
	copy(ordered, blocks)

	p.mu.Lock()
	forced := make(map[string]bool)
	for _, b := range ordered {
		if p.skipped[b.Text] >= p.cfg.AgingBound {
			forced[b.Text] = true
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		fi, fj := forced[ordered[i].Text], forced[ordered[j].Text]
		if fi != fj {
			return fi
		}
		return score(ordered[i]) > score(ordered[j])
	})
	for i, b := range ordered {
		if i == 0 || forced[b.Text] {
			p.skipped[b.Text] = 0
			if forced[b.Text] {
				atomic.AddUint64(&p.promoted, 1)
			}
		} else {
			p.skipped[b.Text]++
		}
	}
	p.mu.Unlock()

	atomic.AddUint64(&p.reordered, 1)
	return pipeline.Continue(ordered)
}

// Post implements pipeline.OptimizerHook; the Priority Queue has nothing to
// do on the post side.
func (p *PriorityQueue) Post(item interface{}) pipeline.Decision {
	return pipeline.Continue(item)
}

// PriorityQueueStats is the GetStats() payload.
type PriorityQueueStats struct {
	Reordered uint64
	Promoted  uint64
}

// GetStats implements pipeline.OptimizerHook.
func (p *PriorityQueue) GetStats() interface{} {
	return PriorityQueueStats{
		Reordered: atomic.LoadUint64(&p.reordered),
		Promoted:  atomic.LoadUint64(&p.promoted),
	}
}
