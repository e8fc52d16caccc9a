/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package dictionary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

var enJA = pipeline.NewLanguagePair("en", "ja")

func TestLearnBelowThresholdIsRejected(t *testing.T) {
	d := New(DefaultOptions(t.TempDir()), nil)
	ok := d.Learn(enJA, "hello", "konnichiwa", 0.5, "enginex")
	assert.False(t, ok)
	_, found := d.Lookup(enJA, "hello")
	assert.False(t, found)
}

func TestLearnUpsertKeepsHigherConfidence(t *testing.T) {
	d := New(DefaultOptions(t.TempDir()), nil)
	require.True(t, d.Learn(enJA, "hello", "konnichiwa-v1", 0.9, "engineA"))
	require.True(t, d.Learn(enJA, "hello", "konnichiwa-v2", 0.95, "engineB"))

	e, found := d.Lookup(enJA, "hello")
	require.True(t, found)
	assert.Equal(t, "konnichiwa-v2", e.Translation)
	assert.Equal(t, "engineB", e.SourceEngine)

	require.True(t, d.Learn(enJA, "hello", "konnichiwa-v3", 0.86, "engineC"))
	e, found = d.Lookup(enJA, "hello")
	require.True(t, found)
	assert.Equal(t, "konnichiwa-v2", e.Translation, "lower-confidence re-learn must not overwrite")
}

func TestEditAlwaysOverwrites(t *testing.T) {
	d := New(DefaultOptions(t.TempDir()), nil)
	require.True(t, d.Learn(enJA, "hello", "konnichiwa", 0.9, "engineA"))
	d.Edit(enJA, "hello", "ohayou")

	e, found := d.Lookup(enJA, "hello")
	require.True(t, found)
	assert.Equal(t, "ohayou", e.Translation)
	assert.Equal(t, 1.0, e.Confidence)
	assert.Equal(t, "user", e.SourceEngine)
}

func TestCanonicalizeCollapsesWhitespaceAndNormalizes(t *testing.T) {
	assert.Equal(t, "hello world", canonicalize("  hello   world  "))
	assert.Equal(t, canonicalize("é"), canonicalize("é"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := New(DefaultOptions(dir), nil)
	require.True(t, d.Learn(enJA, "good morning", "ohayou gozaimasu", 0.95, "engineA"))
	require.True(t, d.Learn(enJA, "thank you", "arigatou", 0.92, "engineB"))
	require.NoError(t, d.Save(enJA))

	d2 := New(DefaultOptions(dir), nil)
	require.NoError(t, d2.LoadAll())

	e, found := d2.Lookup(enJA, "good morning")
	require.True(t, found)
	assert.Equal(t, "ohayou gozaimasu", e.Translation)
	assert.Equal(t, 2, d2.Count(enJA))
}

func TestImportMergeIsIdempotent(t *testing.T) {
	d := New(DefaultOptions(t.TempDir()), nil)
	require.True(t, d.Learn(enJA, "hello", "konnichiwa", 0.9, "engineA"))

	doc, err := d.Export(enJA)
	require.NoError(t, err)

	require.NoError(t, d.Import(enJA, doc, ImportMerge))
	firstCount := d.Count(enJA)
	e1, _ := d.Lookup(enJA, "hello")

	require.NoError(t, d.Import(enJA, doc, ImportMerge))
	secondCount := d.Count(enJA)
	e2, _ := d.Lookup(enJA, "hello")

	assert.Equal(t, firstCount, secondCount)
	assert.Equal(t, e1.Translation, e2.Translation)
}

func TestImportReplaceDiscardsPriorState(t *testing.T) {
	d := New(DefaultOptions(t.TempDir()), nil)
	require.True(t, d.Learn(enJA, "hello", "konnichiwa", 0.9, "engineA"))
	require.True(t, d.Learn(enJA, "bye", "sayounara", 0.9, "engineA"))

	other := New(DefaultOptions(t.TempDir()), nil)
	require.True(t, other.Learn(enJA, "hello", "ohayou", 0.9, "engineB"))
	doc, err := other.Export(enJA)
	require.NoError(t, err)

	require.NoError(t, d.Import(enJA, doc, ImportReplace))
	assert.Equal(t, 1, d.Count(enJA))
	_, found := d.Lookup(enJA, "bye")
	assert.False(t, found)
}

func TestAutosaveTriggersEveryNLearns(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.AutosaveEveryNLearns = 2
	d := New(opts, nil)

	require.True(t, d.Learn(enJA, "a", "a-ja", 0.9, "engineA"))
	require.NoError(t, d.MaybeAutosave(enJA))
	require.True(t, d.Learn(enJA, "b", "b-ja", 0.9, "engineA"))
	require.NoError(t, d.MaybeAutosave(enJA))

	d2 := New(DefaultOptions(dir), nil)
	require.NoError(t, d2.LoadAll())
	assert.Equal(t, 2, d2.Count(enJA))
}
