/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package optimizer implements the built-in optimizer hooks of spec.md §4.5:
// Frame Skip, Translation Cache, Translation Chain, Text Validator, Text
// Block Merger, and the pipeline-level Priority Queue.
package optimizer

import (
	"bytes"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/corona10/goimagehash"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// HashMode selects how Frame Skip fingerprints a frame.
type HashMode string

const (
	// HashFast uses xxhash over the raw pixel buffer: cheap, exact-match
	// only (no tolerance for sensor/compression noise).
	HashFast HashMode = "fast"
	// HashPerceptual uses a perceptual hash (goimagehash's difference
	// hash) and tolerates small pixel-level differences via a Hamming
	// distance threshold.
	HashPerceptual HashMode = "perceptual"
)

// FrameSkipConfig configures the Frame Skip optimizer (§4.5).
type FrameSkipConfig struct {
	Mode HashMode
	// PerceptualThreshold is the maximum Hamming distance, in HashPerceptual
	// mode, for two frames to be considered identical.
	PerceptualThreshold int
	// MinSkipFrames is N: the frame stream must be similar for this many
	// consecutive frames before a frame is actually skipped (§4.5's
	// "similar for the last N (default 3) frames"). S2 overrides this to 1.
	MinSkipFrames int
	// MaxConsecutiveSkips bounds how many frames in a row may be skipped
	// before one is forced through regardless of similarity, so a region
	// that goes static forever never starves downstream consumers of an
	// occasional fresh frame (§8 no-starvation property).
	MaxConsecutiveSkips int
}

// DefaultFrameSkipConfig returns the spec's defaults.
func DefaultFrameSkipConfig() FrameSkipConfig {
	return FrameSkipConfig{
		Mode:                HashFast,
		PerceptualThreshold: 4,
		MinSkipFrames:       3,
		MaxConsecutiveSkips: 30,
	}
}

type frameSkipState struct {
	lastFingerprint pipeline.Fingerprint
	havePrev        bool
	matchStreak     int
	consecutive     int
}

// FrameSkipStats is the GetStats() payload for FrameSkip.
type FrameSkipStats struct {
	Skipped  uint64
	Forced   uint64
	Compared uint64
}

// FrameSkip is a Capture post-hook: it compares the just-captured frame
// against the previous frame for the same region and, if unchanged, sets
// CaptureItem.SkipDownstream so the Scheduler bypasses OCR/Translate for
// this frame (§4.3, §4.5).
type FrameSkip struct {
	pipeline.NoopPre
	cfg FrameSkipConfig

	mu     sync.Mutex
	states map[pipeline.RegionId]*frameSkipState

	skipped  uint64
	forced   uint64
	compared uint64
}

// NewFrameSkip constructs a FrameSkip hook.
func NewFrameSkip(cfg FrameSkipConfig) *FrameSkip {
	if cfg.Mode == "" {
		cfg.Mode = HashFast
	}
	if cfg.PerceptualThreshold <= 0 {
		cfg.PerceptualThreshold = 4
	}
	if cfg.MinSkipFrames <= 0 {
		cfg.MinSkipFrames = 3
	}
	if cfg.MaxConsecutiveSkips <= 0 {
		cfg.MaxConsecutiveSkips = 30
	}
	return &FrameSkip{cfg: cfg, states: make(map[pipeline.RegionId]*frameSkipState)}
}

func (f *FrameSkip) fingerprint(frame pipeline.Frame) pipeline.Fingerprint {
	switch f.cfg.Mode {
	case HashPerceptual:
		return perceptualFingerprint(frame)
	default:
		return fastFingerprint(frame)
	}
}

func fastFingerprint(frame pipeline.Frame) pipeline.Fingerprint {
	sum := xxhash.Sum64(frame.Pixels)
	var fp pipeline.Fingerprint
	for i := 0; i < 8; i++ {
		fp[i] = byte(sum >> (8 * i))
	}
	return fp
}

// perceptualFingerprint computes a difference hash over the frame's pixel
// buffer decoded as a bare grayscale/RGBA image of Width x Height; the
// resulting 64-bit hash is stored in the low 8 bytes of the Fingerprint.
func perceptualFingerprint(frame pipeline.Frame) pipeline.Fingerprint {
	img := decodeToGray(frame)
	h, err := goimagehash.DifferenceHash(img)
	var fp pipeline.Fingerprint
	if err != nil {
		return fastFingerprint(frame)
	}
	v := h.GetHash()
	for i := 0; i < 8; i++ {
		fp[i] = byte(v >> (8 * i))
	}
	return fp
}

func decodeToGray(frame pipeline.Frame) image.Image {
	gray := image.NewGray(image.Rect(0, 0, frame.Width, frame.Height))
	if frame.Width == 0 || frame.Height == 0 || len(frame.Pixels) == 0 {
		return gray
	}
	channels := len(frame.Pixels) / (frame.Width * frame.Height)
	if channels < 1 {
		channels = 1
	}
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			idx := (y*frame.Width + x) * channels
			if idx >= len(frame.Pixels) {
				continue
			}
			gray.SetGray(x, y, color.Gray{Y: frame.Pixels[idx]})
		}
	}
	return gray
}

// perceptualDistance returns the Hamming distance between the low 8 bytes
// of two Fingerprints.
func perceptualDistance(a, b pipeline.Fingerprint) int {
	var dist int
	for i := 0; i < 8; i++ {
		x := a[i] ^ b[i]
		for x != 0 {
			dist += int(x & 1)
			x >>= 1
		}
	}
	return dist
}

// Post implements pipeline.OptimizerHook.
func (f *FrameSkip) Post(item interface{}) pipeline.Decision {
	ci, ok := item.(pipeline.CaptureItem)
	if !ok {
		return pipeline.Continue(item)
	}
	if ci.SkipDownstream {
		return pipeline.Continue(ci)
	}

	fp := f.fingerprint(ci.Frame)
	ci.Frame = ci.Frame.WithFingerprint(fp)

	f.mu.Lock()
	st, ok := f.states[ci.Frame.RegionID]
	if !ok {
		st = &frameSkipState{}
		f.states[ci.Frame.RegionID] = st
	}
	atomic.AddUint64(&f.compared, 1)

	identical := st.havePrev && f.same(st.lastFingerprint, fp)
	if identical {
		st.matchStreak++
	} else {
		st.matchStreak = 0
	}

	forceThrough := st.consecutive >= f.cfg.MaxConsecutiveSkips
	shouldSkip := identical && st.matchStreak >= f.cfg.MinSkipFrames && !forceThrough

	if shouldSkip {
		st.consecutive++
		ci.SkipDownstream = true
		atomic.AddUint64(&f.skipped, 1)
	} else {
		if identical && st.matchStreak >= f.cfg.MinSkipFrames && forceThrough {
			atomic.AddUint64(&f.forced, 1)
		}
		st.consecutive = 0
	}
	st.lastFingerprint = fp
	st.havePrev = true
	f.mu.Unlock()

	return pipeline.Continue(ci)
}

func (f *FrameSkip) same(a, b pipeline.Fingerprint) bool {
	if f.cfg.Mode == HashPerceptual {
		return perceptualDistance(a, b) <= f.cfg.PerceptualThreshold
	}
	return bytes.Equal(a[:], b[:])
}

// GetStats implements pipeline.OptimizerHook.
func (f *FrameSkip) GetStats() interface{} {
	return FrameSkipStats{
		Skipped:  atomic.LoadUint64(&f.skipped),
		Forced:   atomic.LoadUint64(&f.forced),
		Compared: atomic.LoadUint64(&f.compared),
	}
}
