/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package dictionary implements the Smart Dictionary (spec.md §4.4): a
// per-LanguagePair persistent learned-translation store, LRU-cached on the
// hot path and backed by a single compressed file per pair.
package dictionary

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// Entry is one learned translation for a given pipeline.LanguagePair.
type Entry struct {
	SourceText   string
	Translation  string
	Confidence   float64
	UseCount     uint64
	CreatedAt    time.Time
	LastUsedAt   time.Time
	SourceEngine string
}

// ImportMode selects the conflict resolution strategy for Import.
type ImportMode int

const (
	// ImportReplace discards the existing in-memory pair state first.
	ImportReplace ImportMode = iota
	// ImportMerge keeps the higher-confidence entry per conflict and sums
	// use counts.
	ImportMerge
)

// canonicalize normalizes source text per §4.4: Unicode NFKC, trim, collapse
// internal whitespace. Case is preserved; case-folding is a per-pair option
// layered by the caller (default off), not performed here.
func canonicalize(text string) string {
	normalized := norm.NFKC.String(text)
	fields := strings.Fields(normalized)
	return strings.Join(fields, " ")
}
