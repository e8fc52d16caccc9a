/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package dictionary

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// DefaultLearnThreshold is learn()'s default confidence floor (§4.4).
const DefaultLearnThreshold = 0.85

// DefaultLRUSize is the default size of the per-pair front-cache (§4.4).
const DefaultLRUSize = 1024

// DefaultAutosaveEveryNLearns is how often Learn triggers an automatic Save
// (§4.4).
const DefaultAutosaveEveryNLearns = 100

// Options configures a SmartDictionary.
type Options struct {
	Dir                  string // directory holding one file per pair
	LearnThreshold       float64
	LRUSize              int
	AutosaveEveryNLearns int
	MaxEntries           int // not enforced: no entry cap or eviction is applied
	Unlimited            bool
}

// DefaultOptions returns the spec's defaults, rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                  dir,
		LearnThreshold:       DefaultLearnThreshold,
		LRUSize:              DefaultLRUSize,
		AutosaveEveryNLearns: DefaultAutosaveEveryNLearns,
		Unlimited:            true,
	}
}

// pairStore is the per-LanguagePair in-memory state: an ordered map
// (canonicalized source_text -> *Entry) plus an LRU front-cache accelerating
// repeated lookups without changing semantics (§4.4).
type pairStore struct {
	mu              sync.Mutex
	entries         map[string]*Entry
	lru             *lru.Cache[string, *Entry]
	learnsSinceSave int
	modified        time.Time
	created         time.Time
}

func newPairStore(lruSize int) *pairStore {
	cache, _ := lru.New[string, *Entry](lruSize)
	now := time.Now()
	return &pairStore{
		entries:  make(map[string]*Entry),
		lru:      cache,
		created:  now,
		modified: now,
	}
}

// SmartDictionary is the LanguagePair-keyed collection of DictionaryEntries
// described in spec.md §4.4, with one backing file per pair.
type SmartDictionary struct {
	opts Options
	log  *zap.SugaredLogger

	mu    sync.RWMutex
	pairs map[pipeline.LanguagePair]*pairStore
}

// New constructs an empty SmartDictionary. Callers typically follow with a
// LoadAll (persistence.go) to populate pairs from disk.
func New(opts Options, log *zap.SugaredLogger) *SmartDictionary {
	if opts.LRUSize <= 0 {
		opts.LRUSize = DefaultLRUSize
	}
	if opts.LearnThreshold == 0 {
		opts.LearnThreshold = DefaultLearnThreshold
	}
	if opts.AutosaveEveryNLearns <= 0 {
		opts.AutosaveEveryNLearns = DefaultAutosaveEveryNLearns
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SmartDictionary{
		opts:  opts,
		log:   log,
		pairs: make(map[pipeline.LanguagePair]*pairStore),
	}
}

func (d *SmartDictionary) storeFor(pair pipeline.LanguagePair) *pairStore {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps, ok := d.pairs[pair]
	if !ok {
		ps = newPairStore(d.opts.LRUSize)
		d.pairs[pair] = ps
	}
	return ps
}

// Lookup serves the hot path: O(1) expected, no disk I/O. On hit it
// increments use_count and updates last_used_at.
func (d *SmartDictionary) Lookup(pair pipeline.LanguagePair, text string) (Entry, bool) {
	ps := d.storeFor(pair)
	key := canonicalize(text)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if e, ok := ps.lru.Get(key); ok {
		e.UseCount++
		e.LastUsedAt = time.Now()
		return *e, true
	}
	e, ok := ps.entries[key]
	if !ok {
		return Entry{}, false
	}
	e.UseCount++
	e.LastUsedAt = time.Now()
	ps.lru.Add(key, e)
	return *e, true
}

// Learn inserts or updates an entry iff confidence >= learn_threshold.
// Upsert semantics: an existing lower-confidence entry is overwritten;
// otherwise only use_count is incremented (§4.4, §8 property 7).
func (d *SmartDictionary) Learn(pair pipeline.LanguagePair, text, translation string, confidence float64, engine string) bool {
	if confidence < d.opts.LearnThreshold {
		return false
	}
	ps := d.storeFor(pair)
	key := canonicalize(text)
	now := time.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	existing, ok := ps.entries[key]
	if !ok {
		ps.entries[key] = &Entry{
			SourceText: key, Translation: translation, Confidence: confidence,
			UseCount: 1, CreatedAt: now, LastUsedAt: now, SourceEngine: engine,
		}
	} else if confidence > existing.Confidence {
		existing.Translation = translation
		existing.Confidence = confidence
		existing.SourceEngine = engine
		existing.LastUsedAt = now
	} else {
		existing.UseCount++
	}
	ps.lru.Remove(key)
	ps.modified = now
	ps.learnsSinceSave++
	return true
}

// Edit unconditionally overwrites by user action, clamping confidence to 1.0
// and tagging engine = "user" (§4.4).
func (d *SmartDictionary) Edit(pair pipeline.LanguagePair, text, newTranslation string) {
	ps := d.storeFor(pair)
	key := canonicalize(text)
	now := time.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	e, ok := ps.entries[key]
	if !ok {
		e = &Entry{SourceText: key, CreatedAt: now}
		ps.entries[key] = e
	}
	e.Translation = newTranslation
	e.Confidence = 1.0
	e.SourceEngine = "user"
	e.LastUsedAt = now
	ps.lru.Remove(key)
	ps.modified = now
}

// Delete removes one entry.
func (d *SmartDictionary) Delete(pair pipeline.LanguagePair, text string) {
	ps := d.storeFor(pair)
	key := canonicalize(text)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.entries, key)
	ps.lru.Remove(key)
	ps.modified = time.Now()
}

// Clear removes all entries for a pair.
func (d *SmartDictionary) Clear(pair pipeline.LanguagePair) {
	ps := d.storeFor(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.entries = make(map[string]*Entry)
	ps.lru.Purge()
	ps.modified = time.Now()
}

// Count returns the number of entries held for a pair.
func (d *SmartDictionary) Count(pair pipeline.LanguagePair) int {
	ps := d.storeFor(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.entries)
}

// Pairs returns the set of LanguagePairs with any in-memory state.
func (d *SmartDictionary) Pairs() []pipeline.LanguagePair {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]pipeline.LanguagePair, 0, len(d.pairs))
	for p := range d.pairs {
		out = append(out, p)
	}
	return out
}

// shouldAutosave reports whether AutosaveEveryNLearns learns have
// accumulated since the last save, resetting the counter if so.
func (ps *pairStore) shouldAutosave(every int) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.learnsSinceSave >= every {
		ps.learnsSinceSave = 0
		return true
	}
	return false
}

// MaybeAutosave checks and, if due, saves pair's dictionary to disk. Callers
// invoke this after Learn on the hot path; the check itself is cheap
// (a mutex'd counter compare) and Save only runs when the threshold trips.
func (d *SmartDictionary) MaybeAutosave(pair pipeline.LanguagePair) error {
	ps := d.storeFor(pair)
	if !ps.shouldAutosave(d.opts.AutosaveEveryNLearns) {
		return nil
	}
	return d.Save(pair)
}
