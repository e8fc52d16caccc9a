/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package optimizer

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/OptikR/OptikR-sub004/pipeline"
)

// TranslationCacheConfig configures the Translation Cache optimizer.
type TranslationCacheConfig struct {
	Size int // entries per LanguagePair, default 4096
}

// DefaultTranslationCacheConfig returns the spec's default size.
func DefaultTranslationCacheConfig() TranslationCacheConfig {
	return TranslationCacheConfig{Size: 4096}
}

type cacheEntry struct {
	translation string
	confidence  float64
	engine      string
}

// TranslationCache is a Translate pre-hook (§4.5): an LRU, keyed by
// (LanguagePair, source text), that answers repeated identical-text
// translations without invoking a translation plugin. It short-circuits
// the whole batch only when every block in it hits the cache; a partial
// miss falls through to the primary plugin untouched, so Translate always
// sees either "all cached" or "nothing cached" for a given frame.
type TranslationCache struct {
	pipeline.NoopPost
	cfg   TranslationCacheConfig
	pair  pipeline.LanguagePair
	cache *lru.Cache[string, cacheEntry]

	hits   uint64
	misses uint64
}

// NewTranslationCache constructs a cache scoped to a single LanguagePair;
// the Translate stage is expected to carry one TranslationCache per pair it
// serves.
func NewTranslationCache(cfg TranslationCacheConfig, pair pipeline.LanguagePair) *TranslationCache {
	if cfg.Size <= 0 {
		cfg.Size = 4096
	}
	c, _ := lru.New[string, cacheEntry](cfg.Size)
	return &TranslationCache{cfg: cfg, pair: pair, cache: c}
}

// Pre implements pipeline.OptimizerHook.
func (c *TranslationCache) Pre(item interface{}) pipeline.Decision {
	blocks, ok := item.([]pipeline.TextBlock)
	if !ok || len(blocks) == 0 {
		return pipeline.Continue(item)
	}

	out := make([]pipeline.TranslatedBlock, 0, len(blocks))
	for _, b := range blocks {
		e, found := c.cache.Get(b.Text)
		if !found {
			atomic.AddUint64(&c.misses, 1)
			return pipeline.Continue(item)
		}
		out = append(out, pipeline.TranslatedBlock{
			TextBlock:       b,
			Translated:      e.translation,
			TransConfidence: e.confidence,
			TransEngine:     e.engine,
			Source:          pipeline.SourceCache,
		})
	}
	atomic.AddUint64(&c.hits, uint64(len(blocks)))
	return pipeline.Skip(out)
}

// Remember records a fresh translation result so future identical source
// text is served from cache. Callers invoke this after a successful
// Translate primary invocation (the cache has no post-hook of its own: it
// needs the engine-produced confidence/engine fields that only exist after
// Primary runs).
func (c *TranslationCache) Remember(blocks []pipeline.TranslatedBlock) {
	for _, tb := range blocks {
		if tb.Source != pipeline.SourceEngine {
			continue
		}
		c.cache.Add(tb.Text, cacheEntry{
			translation: tb.Translated,
			confidence:  tb.TransConfidence,
			engine:      tb.TransEngine,
		})
	}
}

// TranslationCacheStats is the GetStats() payload.
type TranslationCacheStats struct {
	Hits   uint64
	Misses uint64
}

// GetStats implements pipeline.OptimizerHook.
func (c *TranslationCache) GetStats() interface{} {
	return TranslationCacheStats{
		Hits:   atomic.LoadUint64(&c.hits),
		Misses: atomic.LoadUint64(&c.misses),
	}
}
