/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import "time"

// PluginKind is the sum-type discriminant for a plugin, per the design
// note in spec.md §9: "represent plugin kinds as a sum type; for each
// variant, require the implementer to provide a small, fixed capability."
type PluginKind string

const (
	KindCapture     PluginKind = "capture"
	KindOCR         PluginKind = "ocr"
	KindTranslation PluginKind = "translation"
	KindOptimizer   PluginKind = "optimizer"
	KindTextProc    PluginKind = "text-processor"
)

// SettingType is the declared type of one plugin setting.
type SettingType string

const (
	SettingInt    SettingType = "int"
	SettingFloat  SettingType = "float"
	SettingBool   SettingType = "bool"
	SettingString SettingType = "string"
	SettingObject SettingType = "object"
)

// SettingSpec describes one typed, validated plugin setting.
type SettingSpec struct {
	Type        SettingType
	Default     interface{}
	Min         *float64
	Max         *float64
	Options     []string
	Description string
}

// SettingsSchema maps a setting name to its spec.
type SettingsSchema map[string]SettingSpec

// RuntimeRequirements declares a plugin's GPU/CPU needs and dependencies.
type RuntimeRequirements struct {
	GPURequired     bool
	GPURecommended  bool
	GPULibraries    []string
	GPUFeatures     []string
	CPUSupported    bool
	CPUFallback     string
	Dependencies    []string
	ReentrantEngine bool
}

// PluginDescriptor is the stable metadata a plugin declares about itself
// (§3, §6).
type PluginDescriptor struct {
	Name        string
	DisplayName string
	Version     string
	Kind        PluginKind
	TargetStage HookStage    // optimizers only
	Hook        HookPosition // optimizers only
	Runtime     RuntimeRequirements
	Settings    SettingsSchema
	Enabled     bool
	sourceDir   string
}

// Validate checks the required-field and cross-field invariants of §4.1:
// required fields present, kind recognized, target_stage/hook valid for
// optimizers, settings schema well-formed.
func (d *PluginDescriptor) Validate() error {
	if d.Name == "" {
		return newConfigErr("plugin descriptor missing required field 'name'")
	}
	if d.DisplayName == "" {
		return newConfigErr("plugin '%s' missing required field 'display_name'", d.Name)
	}
	if d.Version == "" {
		return newConfigErr("plugin '%s' missing required field 'version'", d.Name)
	}
	switch d.Kind {
	case KindCapture, KindOCR, KindTranslation, KindOptimizer, KindTextProc:
	default:
		return newConfigErr("plugin '%s' has unrecognized kind '%s'", d.Name, d.Kind)
	}
	if d.Kind == KindOptimizer {
		switch d.TargetStage {
		case StageCapture, StagePreprocess, StageOCR, StageValidate, StageTranslate, StageOverlay, StagePipeline:
		default:
			return newConfigErr("optimizer '%s' has invalid target_stage '%s'", d.Name, d.TargetStage)
		}
		switch d.Hook {
		case HookPre, HookPost, HookGlobal:
		default:
			return newConfigErr("optimizer '%s' has invalid hook '%s'", d.Name, d.Hook)
		}
	}
	for setting, spec := range d.Settings {
		switch spec.Type {
		case SettingInt, SettingFloat, SettingBool, SettingString, SettingObject:
		default:
			return newConfigErr("plugin '%s' setting '%s' has unrecognized type '%s'",
				d.Name, setting, spec.Type)
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return newConfigErr("plugin '%s' setting '%s' has min > max", d.Name, setting)
		}
	}
	return nil
}

// PluginLifecycleState is the PluginInstance state machine of §3.
type PluginLifecycleState int

const (
	StateDiscovered PluginLifecycleState = iota
	StateValidated
	StateLoaded
	StateInitialized
	StateRunning
	StatePaused
	StateStopped
	StateUnloaded
)

func (s PluginLifecycleState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// PluginInstance is a live, initialized plugin: its validated settings,
// counters, and the underlying backend implementation.
type PluginInstance struct {
	Descriptor PluginDescriptor
	Settings   map[string]interface{}
	Backend    interface{} // one of the *Backend interfaces, or an OptimizerHook
	State      PluginLifecycleState
	LoadedAt   time.Time
	restarts   int
	windowFrom time.Time
}

// canReceiveWork reports whether the instance is eligible to process items
// (§3 invariant: only Running instances receive work).
func (pi *PluginInstance) canReceiveWork() bool {
	return pi.State == StateRunning
}
