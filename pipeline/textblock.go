/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import "strings"

// Rect is an axis-aligned bounding rectangle in capture coordinates.
type Rect struct {
	X, Y, W, H int
}

// Inside reports whether r lies entirely inside bound.
func (r Rect) Inside(bound Rect) bool {
	return r.X >= bound.X && r.Y >= bound.Y &&
		r.X+r.W <= bound.X+bound.W && r.Y+r.H <= bound.Y+bound.H
}

// SourceOfTranslation tags where a TranslatedBlock's text came from.
type SourceOfTranslation int

const (
	SourceEngine SourceOfTranslation = iota
	SourceCache
	SourceDictionary
	SourceChainFinal
	SourceChainStep
)

func (s SourceOfTranslation) String() string {
	switch s {
	case SourceEngine:
		return "engine"
	case SourceCache:
		return "cache"
	case SourceDictionary:
		return "dictionary"
	case SourceChainFinal:
		return "chain-final"
	case SourceChainStep:
		return "chain-step"
	default:
		return "unknown"
	}
}

// TextBlock is one OCR-detected text fragment bound to a Frame. Its
// bounding rectangle must lie inside the source Frame's region rectangle.
type TextBlock struct {
	FrameID    uint64
	Bounds     Rect
	Text       string
	Confidence float64
	OCREngine  string
}

// TranslatedBlock is a TextBlock enriched with translated text and
// provenance. The bounding rectangle and frame_id are preserved from the
// source TextBlock.
type TranslatedBlock struct {
	TextBlock
	Translated      string
	TransConfidence float64
	TransEngine     string
	Source          SourceOfTranslation
}

// LanguagePair is an ordered pair of lowercase ISO-like language codes.
// Equality and hashing are case-insensitive: callers should always obtain a
// LanguagePair via NewLanguagePair.
type LanguagePair struct {
	Source string
	Target string
}

// NewLanguagePair normalizes source/target to lowercase, matching the
// case-insensitive equality/hashing invariant.
func NewLanguagePair(source, target string) LanguagePair {
	return LanguagePair{
		Source: strings.ToLower(strings.TrimSpace(source)),
		Target: strings.ToLower(strings.TrimSpace(target)),
	}
}

func (p LanguagePair) String() string {
	return p.Source + "->" + p.Target
}
