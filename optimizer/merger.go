/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package optimizer

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// TextBlockMergerConfig configures the Text Block Merger optimizer (§4.5).
type TextBlockMergerConfig struct {
	// MaxGapPixels is the largest horizontal gap, in capture coordinates,
	// between two same-row blocks for them still to be considered one
	// run of text (default 12).
	MaxGapPixels int
	// MaxRowOffsetPixels is the largest vertical offset between two
	// blocks' top edges for them to be considered the same row (default 4).
	MaxRowOffsetPixels int
}

// DefaultTextBlockMergerConfig returns the spec's defaults.
func DefaultTextBlockMergerConfig() TextBlockMergerConfig {
	return TextBlockMergerConfig{MaxGapPixels: 12, MaxRowOffsetPixels: 4}
}

// TextBlockMerger is an OCR post-hook that joins adjacent single-word or
// single-line blocks on the same row into one block, so Translate sees
// whole phrases instead of word fragments (§4.5). Merging is idempotent:
// running it twice over its own output is a no-op, since a merged block's
// neighbors no longer satisfy the adjacency test.
type TextBlockMerger struct {
	pipeline.NoopPre
	cfg TextBlockMergerConfig

	merges uint64
}

// NewTextBlockMerger constructs a TextBlockMerger.
func NewTextBlockMerger(cfg TextBlockMergerConfig) *TextBlockMerger {
	if cfg.MaxGapPixels <= 0 {
		cfg.MaxGapPixels = 12
	}
	if cfg.MaxRowOffsetPixels <= 0 {
		cfg.MaxRowOffsetPixels = 4
	}
	return &TextBlockMerger{cfg: cfg}
}

func (m *TextBlockMerger) sameRow(a, b pipeline.Rect) bool {
	return absInt(a.Y-b.Y) <= m.cfg.MaxRowOffsetPixels
}

func (m *TextBlockMerger) adjacent(a, b pipeline.Rect) bool {
	gap := b.X - (a.X + a.W)
	return gap >= -m.cfg.MaxGapPixels && gap <= m.cfg.MaxGapPixels
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func union(a, b pipeline.Rect) pipeline.Rect {
	x0, y0 := minInt(a.X, b.X), minInt(a.Y, b.Y)
	x1 := maxInt(a.X+a.W, b.X+b.W)
	y1 := maxInt(a.Y+a.H, b.Y+b.H)
	return pipeline.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Post implements pipeline.OptimizerHook.
func (m *TextBlockMerger) Post(item interface{}) pipeline.Decision {
	blocks, ok := item.([]pipeline.TextBlock)
	if !ok || len(blocks) < 2 {
		return pipeline.Continue(item)
	}

	sorted := make([]pipeline.TextBlock, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Bounds.Y != sorted[j].Bounds.Y {
			return sorted[i].Bounds.Y < sorted[j].Bounds.Y
		}
		return sorted[i].Bounds.X < sorted[j].Bounds.X
	})

	out := make([]pipeline.TextBlock, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		if m.sameRow(cur.Bounds, next.Bounds) && m.adjacent(cur.Bounds, next.Bounds) {
			cur = pipeline.TextBlock{
				FrameID:    cur.FrameID,
				Bounds:     union(cur.Bounds, next.Bounds),
				Text:       strings.TrimSpace(cur.Text + " " + next.Text),
				Confidence: minFloat(cur.Confidence, next.Confidence),
				OCREngine:  cur.OCREngine,
			}
			atomic.AddUint64(&m.merges, 1)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return pipeline.Continue(out)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// TextBlockMergerStats is the GetStats() payload.
type TextBlockMergerStats struct {
	Merges uint64
}

// GetStats implements pipeline.OptimizerHook.
func (m *TextBlockMerger) GetStats() interface{} {
	return TextBlockMergerStats{Merges: atomic.LoadUint64(&m.merges)}
}
