/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package optimizer

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/OptikR/OptikR-sub004/dictionary"
	"github.com/OptikR/OptikR-sub004/pipeline"
)

// TranslationChainConfig configures the Translation Chain optimizer (§4.5):
// multi-hop translation through a pivot language for pairs no single
// registered engine translates directly.
type TranslationChainConfig struct {
	// Pivots maps a LanguagePair with no direct engine coverage to the
	// pivot language code to route through (e.g. ja->fr via "en").
	Pivots map[pipeline.LanguagePair]string
	// LearnHops controls whether intermediate and final hop results are
	// written into the Smart Dictionary, so repeated chains skip straight
	// to a dictionary hit next time. The zero value (false) disables
	// learning; runtime wiring sets it to true.
	LearnHops bool
}

// TranslationChain performs two-hop translation for configured pairs and
// returns a provenance string naming both hop engines. It does not set a
// TranslatedBlock Source itself; the Translate stage caller tags the final
// result SourceChainFinal.
type TranslationChain struct {
	cfg    TranslationChainConfig
	router *pipeline.TranslationRouter
	dict   *dictionary.SmartDictionary
	log    *zap.SugaredLogger

	chained uint64
	failed  uint64
}

// NewTranslationChain constructs a TranslationChain. dict may be nil, in
// which case hop learning is a no-op regardless of cfg.LearnHops.
func NewTranslationChain(cfg TranslationChainConfig, router *pipeline.TranslationRouter, dict *dictionary.SmartDictionary, log *zap.SugaredLogger) *TranslationChain {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TranslationChain{cfg: cfg, router: router, dict: dict, log: log}
}

// Pivot reports the configured pivot language for pair, and whether chaining
// applies to it at all.
func (c *TranslationChain) Pivot(pair pipeline.LanguagePair) (string, bool) {
	p, ok := c.cfg.Pivots[pair]
	return p, ok
}

// Translate runs the two-hop src->pivot->tgt translation for a pair that
// has no direct engine coverage (§4.5). It returns the final text, a
// confidence that is the product of both hops' confidences (chained
// uncertainty compounds), and a "chain:engine1+engine2" provenance string
// identifying the two hop engines actually used.
func (c *TranslationChain) Translate(ctx context.Context, text string, pair pipeline.LanguagePair) (string, float64, string, error) {
	pivot, ok := c.Pivot(pair)
	if !ok {
		return "", 0, "", fmt.Errorf("optimizer: no chain pivot configured for %s", pair)
	}

	firstHopPair := pipeline.NewLanguagePair(pair.Source, pivot)
	midText, midConf, midEngine, err := c.router.Translate(ctx, text, firstHopPair)
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		return "", 0, "", fmt.Errorf("optimizer: chain hop %s failed: %w", firstHopPair, err)
	}

	secondHopPair := pipeline.NewLanguagePair(pivot, pair.Target)
	finalText, finalConf, finalEngine, err := c.router.Translate(ctx, midText, secondHopPair)
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		return "", 0, "", fmt.Errorf("optimizer: chain hop %s failed: %w", secondHopPair, err)
	}

	combined := midConf * finalConf
	atomic.AddUint64(&c.chained, 1)
	provenance := fmt.Sprintf("chain:%s+%s", midEngine, finalEngine)

	if c.cfg.LearnHops && c.dict != nil {
		c.dict.Learn(firstHopPair, text, midText, midConf, midEngine)
		c.dict.Learn(secondHopPair, midText, finalText, finalConf, finalEngine)
		c.dict.Learn(pair, text, finalText, combined, provenance)
	}

	return finalText, combined, provenance, nil
}

// TranslationChainStats is the GetStats() payload.
type TranslationChainStats struct {
	Chained uint64
	Failed  uint64
}

// Stats returns the chain's counters. TranslationChain is not itself an
// OptimizerHook (it needs a context.Context its Translate stage wiring
// supplies per call, which the Pre/Post contract does not carry), so it
// does not implement GetStats of that interface; callers read Stats
// directly for health reporting.
func (c *TranslationChain) Stats() TranslationChainStats {
	return TranslationChainStats{
		Chained: atomic.LoadUint64(&c.chained),
		Failed:  atomic.LoadUint64(&c.failed),
	}
}
