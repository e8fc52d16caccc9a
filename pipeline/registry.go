/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PluginFactory constructs a fresh, uninitialized backend/hook instance for
// a registered plugin type name. This is the Go-native equivalent of
// Heka's process-global `AvailablePlugins` map
// (rhoml-heka/pipeline/config.go:RegisterPlugin / AvailablePlugins):
// a compiled-in constructor keyed by name, rather than dynamic loading.
type PluginFactory func() interface{}

var (
	factoryMu sync.RWMutex
	factories = make(map[string]PluginFactory)
)

// RegisterPluginType adds a constructor to the set of compiled-in plugin
// types that can be referenced by name from a descriptor file, mirroring
// Heka's RegisterPlugin.
func RegisterPluginType(name string, factory PluginFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

func lookupFactory(name string) (PluginFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// descriptorFile is the TOML shape of one plugin descriptor (§6).
type descriptorFile struct {
	Name         string                    `toml:"name"`
	DisplayName  string                    `toml:"display_name"`
	Version      string                    `toml:"version"`
	Kind         string                    `toml:"kind"`
	Type         string                    `toml:"type"` // compiled-in factory name; defaults to Name
	TargetStage  string                    `toml:"target_stage"`
	Hook         string                    `toml:"hook"`
	Enabled      *bool                     `toml:"enabled"`
	Settings     map[string]settingSection `toml:"settings"`
	Dependencies []string                  `toml:"dependencies"`
	Runtime      runtimeSection            `toml:"runtime_requirements"`
}

type settingSection struct {
	Type        string      `toml:"type"`
	Default     interface{} `toml:"default"`
	Min         *float64    `toml:"min"`
	Max         *float64    `toml:"max"`
	Options     []string    `toml:"options"`
	Description string      `toml:"description"`
}

type runtimeSection struct {
	GPU struct {
		Required    bool     `toml:"required"`
		Recommended bool     `toml:"recommended"`
		Libraries   []string `toml:"libraries"`
		Features    []string `toml:"features"`
	} `toml:"gpu"`
	CPU struct {
		Supported bool   `toml:"supported"`
		Fallback  string `toml:"fallback_plugin"`
	} `toml:"cpu"`
	Reentrant bool `toml:"reentrant"`
}

func (df descriptorFile) toDescriptor(dir string) PluginDescriptor {
	enabled := true
	if df.Enabled != nil {
		enabled = *df.Enabled
	}
	settings := make(SettingsSchema, len(df.Settings))
	for k, v := range df.Settings {
		settings[k] = SettingSpec{
			Type:        SettingType(v.Type),
			Default:     v.Default,
			Min:         v.Min,
			Max:         v.Max,
			Options:     v.Options,
			Description: v.Description,
		}
	}
	return PluginDescriptor{
		Name:        df.Name,
		DisplayName: df.DisplayName,
		Version:     df.Version,
		Kind:        PluginKind(df.Kind),
		TargetStage: HookStage(df.TargetStage),
		Hook:        HookPosition(df.Hook),
		Enabled:     enabled,
		Settings:    settings,
		Runtime: RuntimeRequirements{
			GPURequired:     df.Runtime.GPU.Required,
			GPURecommended:  df.Runtime.GPU.Recommended,
			GPULibraries:    df.Runtime.GPU.Libraries,
			GPUFeatures:     df.Runtime.GPU.Features,
			CPUSupported:    df.Runtime.CPU.Supported,
			CPUFallback:     df.Runtime.CPU.Fallback,
			Dependencies:    df.Dependencies,
			ReentrantEngine: df.Runtime.Reentrant,
		},
		sourceDir: dir,
	}
}

func (df descriptorFile) typeName() string {
	if df.Type != "" {
		return df.Type
	}
	return df.Name
}

// Registry discovers, validates, loads, and hot-reloads plugins, and owns
// per-plugin config (§4.1).
type Registry struct {
	log        *zap.SugaredLogger
	dirs       []string
	mu         sync.RWMutex
	discovered map[string]PluginDescriptor
	typeNames  map[string]string // descriptor name -> compiled-in factory name
	instances  map[string]*PluginInstance
	watcher    *fsnotify.Watcher
	reloadCh   chan string
	stopCh     chan struct{}
}

// NewRegistry creates a Registry that will scan the given directories for
// plugin descriptor files (*.toml).
func NewRegistry(log *zap.SugaredLogger, dirs ...string) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		log:        log,
		dirs:       dirs,
		discovered: make(map[string]PluginDescriptor),
		typeNames:  make(map[string]string),
		instances:  make(map[string]*PluginInstance),
	}
}

// Discover scans the registry's directories for plugin descriptors.
// Idempotent; returns descriptors in stable directory-scan order. Invalid
// plugins are rejected with a diagnostic and do not enter the loaded set.
func (r *Registry) Discover() ([]PluginDescriptor, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.discovered = make(map[string]PluginDescriptor)
	r.typeNames = make(map[string]string)

	var descriptors []PluginDescriptor
	var errs []error

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("scanning plugin dir %s: %w", dir, err))
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".toml" {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(dir, name)
			desc, typeName, err := r.parseDescriptor(path, dir)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := desc.Validate(); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := r.validateEntryPoint(desc, typeName); err != nil {
				errs = append(errs, err)
				continue
			}
			r.discovered[desc.Name] = desc
			r.typeNames[desc.Name] = typeName
			descriptors = append(descriptors, desc)
		}
	}
	return descriptors, errs
}

func (r *Registry) parseDescriptor(path, dir string) (PluginDescriptor, string, error) {
	var df descriptorFile
	if _, err := toml.DecodeFile(path, &df); err != nil {
		return PluginDescriptor{}, "", fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	return df.toDescriptor(dir), df.typeName(), nil
}

// validateEntryPoint checks that the descriptor's declared dependencies are
// resolvable and its compiled-in factory exists (§4.1: "entry-point
// artifact exists, declared dependencies resolvable").
func (r *Registry) validateEntryPoint(desc PluginDescriptor, typeName string) error {
	if _, ok := lookupFactory(typeName); !ok {
		return newPluginLoadErr(desc.Name, "no compiled-in plugin type registered for '%s'", typeName)
	}
	for _, dep := range desc.Runtime.Dependencies {
		if _, ok := r.discovered[dep]; !ok {
			if _, ok := lookupFactory(dep); !ok {
				return newPluginLoadErr(desc.Name, "declared dependency '%s' is not resolvable", dep)
			}
		}
	}
	return nil
}

// Load validates settings against the descriptor's schema, constructs a
// fresh backend instance, calls Init, and returns a Running PluginInstance.
func (r *Registry) Load(name string, settings map[string]interface{}) (*PluginInstance, error) {
	r.mu.Lock()
	desc, ok := r.discovered[name]
	typeName := r.typeNames[name]
	r.mu.Unlock()
	if !ok {
		return nil, newPluginLoadErr(name, "not discovered")
	}

	merged, err := ValidateSettings(desc.Settings, settings)
	if err != nil {
		return nil, newPluginLoadErr(name, "settings validation failed: %s", err)
	}

	factory, ok := lookupFactory(typeName)
	if !ok {
		return nil, newPluginLoadErr(name, "no compiled-in plugin type registered for '%s'", typeName)
	}
	backend := factory()

	inst := &PluginInstance{
		Descriptor: desc,
		Settings:   merged,
		Backend:    backend,
		State:      StateLoaded,
	}

	if initable, ok := backend.(interface {
		Init(map[string]interface{}) error
	}); ok {
		if err := initable.Init(merged); err != nil {
			return nil, newPluginLoadErr(name, "init failed: %s", err)
		}
	}
	inst.State = StateInitialized
	inst.State = StateRunning

	r.mu.Lock()
	r.instances[name] = inst
	r.mu.Unlock()
	return inst, nil
}

// Unload stops and releases a loaded plugin instance.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if ok {
		delete(r.instances, name)
	}
	r.mu.Unlock()
	if !ok {
		return newPluginLoadErr(name, "not loaded")
	}
	inst.State = StateStopped
	if cleanable, ok := inst.Backend.(interface{ Cleanup() error }); ok {
		if err := cleanable.Cleanup(); err != nil {
			return err
		}
	}
	inst.State = StateUnloaded
	return nil
}

// Reload replaces a loaded instance with a freshly constructed one using
// the same settings: it unloads the old instance (running its Cleanup)
// and then loads a new one. The two steps are not atomic; if Load fails,
// the plugin is left unloaded. Nothing in this module calls Reload, and no
// Stage swaps its primary to the new instance.
func (r *Registry) Reload(name string) (*PluginInstance, error) {
	r.mu.RLock()
	old, ok := r.instances[name]
	r.mu.RUnlock()
	if !ok {
		return nil, newPluginLoadErr(name, "not loaded")
	}
	settings := old.Settings
	if err := r.Unload(name); err != nil {
		r.log.Warnw("reload: unload of previous instance failed", "plugin", name, "error", err)
	}
	return r.Load(name, settings)
}

// Describe returns the descriptor and current settings for a loaded
// plugin.
func (r *Registry) Describe(name string) (PluginDescriptor, map[string]interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		desc, ok := r.discovered[name]
		return desc, nil, ok
	}
	return inst.Descriptor, inst.Settings, true
}

// Instance returns the currently loaded instance for a plugin name.
func (r *Registry) Instance(name string) (*PluginInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// DiscoveredNames returns the names of discovered (not necessarily loaded)
// plugins of the given kind, in stable sorted order.
func (r *Registry) DiscoveredNames(kind PluginKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, desc := range r.discovered {
		if desc.Kind == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// WatchForChanges starts an fsnotify watch over the registry's plugin
// directories and enqueues affected plugin names for reload when their
// descriptor file changes on disk (§4.1 hot reload contract).
func (r *Registry) WatchForChanges() (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating plugin watcher: %w", err)
	}
	for _, dir := range r.dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching plugin dir %s: %w", dir, err)
		}
	}
	r.watcher = w
	r.reloadCh = make(chan string, 16)
	r.stopCh = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".toml" {
					continue
				}
				base := filepath.Base(ev.Name)
				name := base[:len(base)-len(filepath.Ext(base))]
				select {
				case r.reloadCh <- name:
				default:
					r.log.Warnw("reload channel full, dropping change notification", "plugin", name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Errorw("plugin watcher error", "error", err)
			case <-r.stopCh:
				return
			}
		}
	}()

	return r.reloadCh, nil
}

// StopWatching tears down the fsnotify watch started by WatchForChanges.
func (r *Registry) StopWatching() error {
	if r.watcher == nil {
		return nil
	}
	close(r.stopCh)
	return r.watcher.Close()
}
