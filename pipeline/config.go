/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2012-2014
# the Initial Developer. All Rights Reserved.
#
# Contributor(s):
#   Rob Miller (rmiller@mozilla.com)
#   Mike Trinkala (trink@mozilla.com)
#   Justin Judd (justin@justinjudd.org)
#
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const invalidEnvChars = "\n\r\t "

var (
	invalidEnvPrefix     = []byte("%ENV[")
	ErrMissingCloseDelim = errors.New("missing closing delimiter")
	ErrInvalidChars      = errors.New("invalid characters in environment variable name")
)

// fileConfig is the TOML shape of a whole pipeline configuration file
// (§6: pipeline.*, regions[*], translation.engine_mapping, dictionary.*).
type fileConfig struct {
	Pipeline    pipelineSection    `toml:"pipeline"`
	Regions     []RegionConfig     `toml:"regions"`
	Translation translationSection `toml:"translation"`
	Dictionary  dictionarySection  `toml:"dictionary"`
	PluginDirs  []string           `toml:"plugin_dirs"`
}

type pipelineSection struct {
	Mode           string `toml:"mode"`
	FPS            int    `toml:"fps"`
	QueueSize      int    `toml:"queue_size"`
	StopDeadlineMS int    `toml:"stop_deadline_ms"`
	OnSkip         string `toml:"on_skip"`
}

type translationSection struct {
	Default        string            `toml:"default"`
	EngineMapping  map[string]string `toml:"engine_mapping"`
	DefaultOCR     string            `toml:"default_ocr_engine"`
	SourceLanguage string            `toml:"source_language"`
	TargetLanguage string            `toml:"target_language"`
	// ChainMapping configures the Translation Chain (§4.5): a pair with no
	// direct engine coverage maps to a "src->pivot->tgt" route, e.g.
	// {"ja->de" = "ja->en->de"}.
	ChainMapping map[string]string `toml:"chain_mapping"`
}

type dictionarySection struct {
	AutoLearn            bool        `toml:"auto_learn"`
	MinConfidence        float64     `toml:"min_confidence"`
	AutosaveEveryNLearns int         `toml:"autosave_every_n_learns"`
	MaxEntries           interface{} `toml:"max_entries"` // int, or the literal string "unlimited"
}

// LoadedConfig is the fully decoded, runtime-ready result of LoadConfig: the
// scheduler/region Config plus the engine-mapping and dictionary sections
// that the caller wires into a TranslationRouter and a SmartDictionary
// respectively.
type LoadedConfig struct {
	Config
	RunID          string // uuid assigned to this load, for log correlation
	EngineMapping  map[LanguagePair]string
	DefaultEngine  string
	DefaultPair    LanguagePair // translation.source_language -> translation.target_language
	ChainPivots    map[LanguagePair]string
	DictAutoLearn  bool
	DictMinConf    float64
	DictAutosaveN  int
	DictUnlimited  bool
	DictMaxEntries int
	PluginDirs     []string
}

// LoadConfig reads a pipeline configuration file, applying %ENV[NAME]%
// substitution (rhoml-heka/pipeline/config.go's EnvSub) before decoding,
// and validates it into a LoadedConfig. Validation failures are
// ConfigurationErrors, per §7.
func LoadConfig(path string) (*LoadedConfig, error) {
	contents, err := replaceEnvsFile(path)
	if err != nil {
		return nil, newConfigErr("reading config file %s: %s", path, err)
	}

	var fc fileConfig
	if _, err := toml.Decode(contents, &fc); err != nil {
		return nil, newConfigErr("decoding config file %s: %s", path, err)
	}

	lc := &LoadedConfig{
		RunID: uuid.NewString(),
		Config: Config{
			Mode:              SchedulerMode(fc.Pipeline.Mode),
			FPS:               fc.Pipeline.FPS,
			QueueSize:         fc.Pipeline.QueueSize,
			StopDeadlineMS:    fc.Pipeline.StopDeadlineMS,
			Regions:           fc.Regions,
			OnSkip:            OnSkipPolicy(fc.Pipeline.OnSkip),
			DefaultOCREngine:  fc.Translation.DefaultOCR,
			DefaultTranslator: fc.Translation.Default,
		},
		EngineMapping: make(map[LanguagePair]string, len(fc.Translation.EngineMapping)),
		DefaultEngine: fc.Translation.Default,
		DefaultPair:   NewLanguagePair(fc.Translation.SourceLanguage, fc.Translation.TargetLanguage),
		DictAutoLearn: fc.Dictionary.AutoLearn,
		DictMinConf:   fc.Dictionary.MinConfidence,
		DictAutosaveN: fc.Dictionary.AutosaveEveryNLearns,
		PluginDirs:    fc.PluginDirs,
	}

	if lc.Config.Mode == "" {
		lc.Config.Mode = ModeSequential
	}
	if lc.Config.Mode != ModeSequential && lc.Config.Mode != ModeAsync {
		return nil, newConfigErr("pipeline.mode must be 'sequential' or 'async', got %q", fc.Pipeline.Mode)
	}
	if fc.Pipeline.FPS != 0 && (fc.Pipeline.FPS < 1 || fc.Pipeline.FPS > 120) {
		return nil, newConfigErr("pipeline.fps must be in [1,120], got %d", fc.Pipeline.FPS)
	}
	if fc.Pipeline.QueueSize != 0 && (fc.Pipeline.QueueSize < 1 || fc.Pipeline.QueueSize > 64) {
		return nil, newConfigErr("pipeline.queue_size must be in [1,64], got %d", fc.Pipeline.QueueSize)
	}

	for pairKey, plugin := range fc.Translation.EngineMapping {
		pair, err := parsePairKey(pairKey)
		if err != nil {
			return nil, err
		}
		lc.EngineMapping[pair] = plugin
	}

	if len(fc.Translation.ChainMapping) > 0 {
		lc.ChainPivots = make(map[LanguagePair]string, len(fc.Translation.ChainMapping))
		for pairKey, route := range fc.Translation.ChainMapping {
			pair, err := parsePairKey(pairKey)
			if err != nil {
				return nil, err
			}
			pivot, err := parseChainRoute(pairKey, route)
			if err != nil {
				return nil, err
			}
			lc.ChainPivots[pair] = pivot
		}
	}

	switch v := fc.Dictionary.MaxEntries.(type) {
	case nil:
		lc.DictUnlimited = true
	case string:
		if v != "unlimited" {
			return nil, newConfigErr("dictionary.max_entries string value must be 'unlimited', got %q", v)
		}
		lc.DictUnlimited = true
	case int64:
		lc.DictMaxEntries = int(v)
	case int:
		lc.DictMaxEntries = v
	default:
		return nil, newConfigErr("dictionary.max_entries must be an int or 'unlimited'")
	}

	return lc, nil
}

// parsePairKey parses a "src->tgt" engine-mapping key into a LanguagePair.
func parsePairKey(key string) (LanguagePair, error) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '-' && key[i+1] == '>' {
			return NewLanguagePair(key[:i], key[i+2:]), nil
		}
	}
	return LanguagePair{}, newConfigErr("translation.engine_mapping key %q is not of the form 'src->tgt'", key)
}

// parseChainRoute extracts the pivot language from a "src->pivot->tgt"
// chain_mapping route string, e.g. "ja->en->de" for key "ja->de" yields
// "en". The key's own src/tgt are not cross-checked against the route's
// outer hops; the route is the source of truth for the pivot.
func parseChainRoute(key, route string) (string, error) {
	var hops []string
	for _, part := range strings.Split(route, "->") {
		hops = append(hops, strings.TrimSpace(part))
	}
	if len(hops) != 3 {
		return "", newConfigErr("translation.chain_mapping[%q] route %q must be of the form 'src->pivot->tgt'", key, route)
	}
	return hops[1], nil
}

// replaceEnvsFile reads path and applies EnvSub substitution, returning the
// substituted contents as a string ready for toml.Decode.
func replaceEnvsFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	r, err := envSub(file)
	if err != nil {
		return "", err
	}
	contents, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

// envSub replaces every %ENV[NAME]% occurrence in r with the value of the
// NAME environment variable. Ported from rhoml-heka/pipeline/config.go's
// EnvSub, unchanged in algorithm: this substitution syntax is part of the
// configuration file format this module carries forward from its teacher.
func envSub(r io.Reader) (io.Reader, error) {
	bufIn := bufio.NewReader(r)
	bufOut := new(bytes.Buffer)
	for {
		chunk, err := bufIn.ReadBytes(byte('%'))
		if err != nil {
			if err == io.EOF {
				bufOut.Write(chunk)
				break
			}
			return nil, err
		}
		bufOut.Write(chunk[:len(chunk)-1])

		tmp, err := bufIn.Peek(4)
		if err != nil {
			if err == io.EOF {
				bufOut.WriteRune('%')
				bufOut.Write(tmp)
				break
			}
			return nil, err
		}

		if string(tmp) == "ENV[" {
			if _, err = bufIn.ReadBytes(byte('[')); err != nil {
				return nil, err
			}
			chunk, err = bufIn.ReadBytes(byte(']'))
			if err != nil {
				if err == io.EOF {
					return nil, ErrMissingCloseDelim
				}
				return nil, err
			}
			if bytes.IndexAny(chunk, invalidEnvChars) != -1 ||
				bytes.Index(chunk, invalidEnvPrefix) != -1 {
				return nil, ErrInvalidChars
			}
			varName := string(chunk[:len(chunk)-1])
			bufOut.WriteString(os.Getenv(varName))
		} else {
			bufOut.WriteRune('%')
		}
	}
	return bufOut, nil
}

// validateFPS is a small helper kept separate from LoadConfig so per-region
// FPS overrides (parsed in region.go) can reuse the same bound.
func validateFPS(fps int) error {
	if fps < 1 || fps > 120 {
		return fmt.Errorf("fps must be in [1,120], got %d", fps)
	}
	return nil
}
