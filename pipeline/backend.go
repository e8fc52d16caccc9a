/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import "context"

// CaptureBackend is the external collaborator interface a capture plugin
// must implement (§6). The runtime never performs display I/O itself.
type CaptureBackend interface {
	Init(settings map[string]interface{}) error
	Capture(ctx context.Context, region Region) (Frame, error)
	Cleanup() error
}

// OCRBackend is the external collaborator interface an OCR plugin must
// implement (§6).
type OCRBackend interface {
	Init(settings map[string]interface{}) error
	Extract(ctx context.Context, frame Frame) ([]TextBlock, error)
	SupportedLanguages() []string
	Cleanup() error
}

// TranslationBackend is the external collaborator interface a translation
// plugin must implement (§6). TranslateBatch is optional; callers should
// type-assert for it.
type TranslationBackend interface {
	Init(settings map[string]interface{}) error
	Translate(ctx context.Context, text, source, target string) (translation string, confidence float64, err error)
	Cleanup() error
}

// TranslationBatcher is an optional capability of a TranslationBackend.
type TranslationBatcher interface {
	TranslateBatch(ctx context.Context, texts []string, source, target string) ([]TranslateResult, error)
}

// TranslateResult is one element of a TranslateBatch response.
type TranslateResult struct {
	Translation string
	Confidence  float64
}

// OverlayRenderer is the external collaborator interface an overlay plugin
// must implement (§6). The core treats it as fire-and-forget with a single
// boolean success return.
type OverlayRenderer interface {
	Render(ctx context.Context, blocks []TranslatedBlock) bool
}

// Reentrant is an optional capability a TranslationBackend may declare.
// Nothing in this module reads it: the Translate stage that
// cmd/screenlingod's wireStages builds is always non-reentrant, so its
// calls are serialized whatever a plugin returns here.
type Reentrant interface {
	Reentrant() bool
}
