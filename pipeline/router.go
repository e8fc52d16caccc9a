/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// TranslationRouter selects a concrete translation plugin per LanguagePair
// (§4.6). It is pure routing: it does not cache, learn, or chain — those
// behaviors are layered on top by the Translate stage (the Translation
// Cache as an optimizer hook, the Translation Chain as a direct call from
// the stage's primary).
type TranslationRouter struct {
	log     *zap.SugaredLogger
	mu      sync.RWMutex
	engines map[string]TranslationBackend
	mapping map[LanguagePair]string
	dflt    string
}

// NewTranslationRouter constructs an empty router. Use RegisterEngine and
// SetMapping/SetDefault to configure it before routing translate calls.
func NewTranslationRouter(log *zap.SugaredLogger) *TranslationRouter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TranslationRouter{
		log:     log,
		engines: make(map[string]TranslationBackend),
		mapping: make(map[LanguagePair]string),
	}
}

// RegisterEngine adds a loaded translation plugin under name, available for
// routing and as the eventual default/fallback.
func (r *TranslationRouter) RegisterEngine(name string, backend TranslationBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = backend
}

// SetMapping configures the `translation.engine_mapping` table (§6): which
// plugin serves a given LanguagePair.
func (r *TranslationRouter) SetMapping(pair LanguagePair, pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapping[pair] = pluginName
}

// SetDefault configures the fallback plugin name used when a pair has no
// explicit mapping.
func (r *TranslationRouter) SetDefault(pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dflt = pluginName
}

// firstAvailable returns the lexicographically first registered engine
// name, giving a deterministic choice of last resort (§4.6 step 1).
func (r *TranslationRouter) firstAvailable() string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Translate implements §4.6's resolution algorithm: mapped plugin, else
// default, else the first available plugin by name; on failure it retries
// once against default if that differs from the plugin already tried.
func (r *TranslationRouter) Translate(ctx context.Context, text string, pair LanguagePair) (string, float64, string, error) {
	r.mu.RLock()
	chosen, ok := r.mapping[pair]
	if !ok {
		chosen = r.dflt
	}
	if chosen == "" {
		chosen = r.firstAvailable()
	}
	engine, ok := r.engines[chosen]
	dflt := r.dflt
	r.mu.RUnlock()

	if !ok {
		return "", 0, "", &ConfigurationError{Msg: "no translation engine available for " + pair.String()}
	}

	translation, confidence, err := engine.Translate(ctx, text, pair.Source, pair.Target)
	if err == nil {
		return translation, confidence, chosen, nil
	}

	r.log.Warnw("translate failed, trying default engine", "pair", pair.String(), "engine", chosen, "error", err)
	if dflt == "" || dflt == chosen {
		return "", 0, chosen, &TransientEngineError{Engine: chosen, Msg: err.Error()}
	}

	r.mu.RLock()
	fallback, ok := r.engines[dflt]
	r.mu.RUnlock()
	if !ok {
		return "", 0, chosen, &TransientEngineError{Engine: chosen, Msg: err.Error()}
	}
	translation, confidence, err = fallback.Translate(ctx, text, pair.Source, pair.Target)
	if err != nil {
		return "", 0, dflt, &TransientEngineError{Engine: dflt, Msg: err.Error()}
	}
	return translation, confidence, dflt, nil
}
