/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid settings, an unknown plugin reference,
// or an invalid region rectangle. Raised at Pipeline.Start; start fails.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

func newConfigErr(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// PluginLoadError reports an invalid descriptor, an unresolved dependency,
// or an Init failure. The plugin stays Unloaded; the pipeline may still
// start if the stage has another provider or the plugin was optional.
type PluginLoadError struct {
	Plugin string
	Msg    string
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("plugin '%s' failed to load: %s", e.Plugin, e.Msg)
}

func newPluginLoadErr(name, format string, args ...interface{}) *PluginLoadError {
	return &PluginLoadError{Plugin: name, Msg: fmt.Sprintf(format, args...)}
}

// StageItemError reports that a primary plugin failed or timed out for one
// item. The item is dropped and counters are incremented; the stage itself
// continues running.
type StageItemError struct {
	Stage string
	Msg   string
}

func (e *StageItemError) Error() string {
	return fmt.Sprintf("stage '%s' dropped item: %s", e.Stage, e.Msg)
}

// HookError reports that an optimizer hook failed. Non-fatal: the item
// proceeds with the state it had before the failing hook.
type HookError struct {
	Hook string
	Msg  string
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook '%s' failed: %s", e.Hook, e.Msg)
}

// TransientEngineError reports a recoverable engine failure (network,
// temporary GPU OOM). Counted toward the circuit breaker and retried on the
// next item.
type TransientEngineError struct {
	Engine string
	Msg    string
}

func (e *TransientEngineError) Error() string {
	return fmt.Sprintf("engine '%s' transient failure: %s", e.Engine, e.Msg)
}

// PersistentEngineError reports that the circuit breaker is open for the
// configured cool-down. The stage is faulted; items are dropped with reason.
type PersistentEngineError struct {
	Engine string
}

func (e *PersistentEngineError) Error() string {
	return fmt.Sprintf("engine '%s' circuit breaker open", e.Engine)
}

// PluginCrashError reports that a primary plugin invocation panicked (§4.7
// crash isolation: the in-process analogue of a subprocess crash). Recovered
// by Stage.invokePrimary and counted against the stage's RestartPolicy.
type PluginCrashError struct {
	Stage  string
	Reason string
}

func (e *PluginCrashError) Error() string {
	return fmt.Sprintf("plugin for stage '%s' crashed: %s", e.Stage, e.Reason)
}

// PersistenceError reports that a dictionary save or import failed. The
// last in-memory state is preserved and a warning is surfaced; autosave
// keeps retrying.
type PersistenceError struct {
	Op  string
	Msg string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %s", e.Op, e.Msg)
}

// CancelledError reports that work was aborted due to Stop. It is never
// reported as a failure to the health surface.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "cancelled" }

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
