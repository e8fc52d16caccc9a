/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package optimizer

import (
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// TextValidatorConfig configures the Text Validator / Intelligent Text
// Processor optimizer (§4.5).
type TextValidatorConfig struct {
	// MinConfidence drops OCR blocks scoring below this (default 0.4).
	MinConfidence float64
	// MinRunLength drops blocks whose trimmed text is shorter than this
	// many runes — single stray glyphs are rarely real text (default 2).
	MinRunLength int
	// RejectPunctuationOnly drops blocks made entirely of punctuation or
	// symbol runes, a common OCR artifact on UI chrome.
	RejectPunctuationOnly bool
}

// DefaultTextValidatorConfig returns the spec's defaults.
func DefaultTextValidatorConfig() TextValidatorConfig {
	return TextValidatorConfig{
		MinConfidence:         0.4,
		MinRunLength:          2,
		RejectPunctuationOnly: true,
	}
}

// TextValidator is an OCR post-hook: it filters out low-confidence or
// noise-like blocks before they reach Translate, so garbage OCR output
// never gets billed against a translation engine's quota (§4.5).
type TextValidator struct {
	pipeline.NoopPre
	cfg TextValidatorConfig

	accepted uint64
	rejected uint64
}

// NewTextValidator constructs a TextValidator.
func NewTextValidator(cfg TextValidatorConfig) *TextValidator {
	if cfg.MinRunLength <= 0 {
		cfg.MinRunLength = 2
	}
	return &TextValidator{cfg: cfg}
}

func (v *TextValidator) accept(b pipeline.TextBlock) bool {
	if b.Confidence < v.cfg.MinConfidence {
		return false
	}
	trimmed := strings.TrimSpace(b.Text)
	if len([]rune(trimmed)) < v.cfg.MinRunLength {
		return false
	}
	if v.cfg.RejectPunctuationOnly && isPunctuationOnly(trimmed) {
		return false
	}
	return true
}

func isPunctuationOnly(s string) bool {
	hasRune := false
	for _, r := range s {
		hasRune = true
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return hasRune
}

// Post implements pipeline.OptimizerHook.
func (v *TextValidator) Post(item interface{}) pipeline.Decision {
	blocks, ok := item.([]pipeline.TextBlock)
	if !ok {
		return pipeline.Continue(item)
	}
	kept := make([]pipeline.TextBlock, 0, len(blocks))
	for _, b := range blocks {
		if v.accept(b) {
			kept = append(kept, b)
		}
	}
	atomic.AddUint64(&v.accepted, uint64(len(kept)))
	atomic.AddUint64(&v.rejected, uint64(len(blocks)-len(kept)))
	return pipeline.Continue(kept)
}

// TextValidatorStats is the GetStats() payload.
type TextValidatorStats struct {
	Accepted uint64
	Rejected uint64
}

// GetStats implements pipeline.OptimizerHook.
func (v *TextValidator) GetStats() interface{} {
	return TextValidatorStats{
		Accepted: atomic.LoadUint64(&v.accepted),
		Rejected: atomic.LoadUint64(&v.rejected),
	}
}
