/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package backend provides small, deterministic built-in plugin
// implementations of the pipeline.CaptureBackend, pipeline.OCRBackend,
// pipeline.TranslationBackend, and pipeline.OverlayRenderer interfaces
// (§6). They exist to exercise the runtime end-to-end without any real
// screen-capture, OCR, or translation dependency: a synthetic capture
// source, an identity/echo OCR, an uppercasing translator, and a logging
// overlay.
package backend

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

func init() {
	pipeline.RegisterPluginType("synthetic_capture", func() interface{} { return &SyntheticCapture{} })
	pipeline.RegisterPluginType("echo_ocr", func() interface{} { return &EchoOCR{} })
	pipeline.RegisterPluginType("uppercase_translator", func() interface{} { return &UppercaseTranslator{} })
	pipeline.RegisterPluginType("log_overlay", func() interface{} { return &LogOverlay{} })
}

// SyntheticCapture produces fixed-size frames of deterministically varying
// pixel content, useful for exercising Frame Skip without real display
// access: two consecutive captures with the same counter value produce
// identical pixels.
type SyntheticCapture struct {
	width, height int
	counter       uint64
	pattern       func(n uint64) byte
}

// Init implements pipeline.CaptureBackend.
func (s *SyntheticCapture) Init(settings map[string]interface{}) error {
	s.width, s.height = 64, 64
	if w, ok := settings["width"].(int); ok && w > 0 {
		s.width = w
	}
	if h, ok := settings["height"].(int); ok && h > 0 {
		s.height = h
	}
	s.pattern = func(n uint64) byte { return byte(n) }
	return nil
}

// Capture implements pipeline.CaptureBackend. It returns a frame whose
// pixel buffer depends only on the current counter, so repeated calls
// between counter bumps yield byte-identical frames.
func (s *SyntheticCapture) Capture(ctx context.Context, region pipeline.Region) (pipeline.Frame, error) {
	n := atomic.LoadUint64(&s.counter)
	pixels := make([]byte, s.width*s.height)
	fill := s.pattern(n)
	for i := range pixels {
		pixels[i] = fill
	}
	return pipeline.Frame{
		RegionID: region.ID,
		Pixels:   pixels,
		Width:    s.width,
		Height:   s.height,
		Format:   pipeline.PixelFormatGray8,
	}, nil
}

// Advance bumps the synthetic content counter, simulating a screen change.
// Test and demo code calls this between captures that should NOT be
// deduplicated by Frame Skip.
func (s *SyntheticCapture) Advance() {
	atomic.AddUint64(&s.counter, 1)
}

// Cleanup implements pipeline.CaptureBackend.
func (s *SyntheticCapture) Cleanup() error { return nil }

// EchoOCR is a trivial OCR backend for tests and demos: it has no real
// vision model and instead returns one fixed-text block covering the whole
// frame, so a pipeline can be exercised without a real OCR dependency.
type EchoOCR struct {
	text       string
	confidence float64
}

// Init implements pipeline.OCRBackend.
func (e *EchoOCR) Init(settings map[string]interface{}) error {
	e.text = "hello world"
	e.confidence = 0.95
	if t, ok := settings["text"].(string); ok && t != "" {
		e.text = t
	}
	return nil
}

// Extract implements pipeline.OCRBackend.
func (e *EchoOCR) Extract(ctx context.Context, frame pipeline.Frame) ([]pipeline.TextBlock, error) {
	return []pipeline.TextBlock{{
		FrameID:    frame.FrameID,
		Bounds:     pipeline.Rect{X: 0, Y: 0, W: frame.Width, H: frame.Height},
		Text:       e.text,
		Confidence: e.confidence,
		OCREngine:  "echo_ocr",
	}}, nil
}

// SupportedLanguages implements pipeline.OCRBackend.
func (e *EchoOCR) SupportedLanguages() []string { return []string{"en", "ja", "fr", "de", "es"} }

// Cleanup implements pipeline.OCRBackend.
func (e *EchoOCR) Cleanup() error { return nil }

// UppercaseTranslator is a deterministic stand-in translation backend: it
// upper-cases the source text and tags the target language, so tests can
// assert on translation output without a real MT model or network access.
type UppercaseTranslator struct {
	reentrant bool
}

// Init implements pipeline.TranslationBackend.
func (u *UppercaseTranslator) Init(settings map[string]interface{}) error {
	if r, ok := settings["reentrant"].(bool); ok {
		u.reentrant = r
	}
	return nil
}

// Translate implements pipeline.TranslationBackend.
func (u *UppercaseTranslator) Translate(ctx context.Context, text, source, target string) (string, float64, error) {
	return fmt.Sprintf("[%s] %s", target, upper(text)), 0.99, nil
}

// Reentrant implements pipeline.Reentrant.
func (u *UppercaseTranslator) Reentrant() bool { return u.reentrant }

// Cleanup implements pipeline.TranslationBackend.
func (u *UppercaseTranslator) Cleanup() error { return nil }

func upper(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - ('a' - 'A')
		}
	}
	return string(out)
}

// LogOverlay is an overlay renderer that logs each translated block rather
// than drawing to a real display surface, for headless operation and
// tests.
type LogOverlay struct {
	log *zap.SugaredLogger
}

// NewLogOverlay constructs a LogOverlay bound to log.
func NewLogOverlay(log *zap.SugaredLogger) *LogOverlay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogOverlay{log: log}
}

// Init implements the registry's optional initializer hook; a LogOverlay
// constructed via the plugin factory (rather than NewLogOverlay) has no
// logger until this runs, and Init gives it a no-op sink.
func (o *LogOverlay) Init(settings map[string]interface{}) error {
	if o.log == nil {
		o.log = zap.NewNop().Sugar()
	}
	return nil
}

// Render implements pipeline.OverlayRenderer.
func (o *LogOverlay) Render(ctx context.Context, blocks []pipeline.TranslatedBlock) bool {
	for _, b := range blocks {
		o.log.Infow("overlay", "frame_id", b.FrameID, "text", b.Text, "translated", b.Translated, "source", b.Source.String())
	}
	return true
}
