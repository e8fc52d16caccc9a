/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

// DecisionKind is the contract by which optimizer hooks communicate with
// the Stage Engine (§4.5, GLOSSARY "Hook decision").
type DecisionKind int

const (
	// DecisionContinue is normal flow: the (possibly mutated) item proceeds.
	DecisionContinue DecisionKind = iota
	// DecisionSkip short-circuits the stage: the primary plugin is not
	// invoked, and the pipeline jumps straight to the post-hooks (for a
	// pre-hook) or to stage output (for a post-hook).
	DecisionSkip
	// DecisionFail is a non-fatal hook failure; the item proceeds with the
	// state it had before the failing hook.
	DecisionFail
)

// Decision is the result of running one optimizer hook against one item.
type Decision struct {
	Kind  DecisionKind
	Item  interface{} // populated for DecisionContinue and DecisionSkip
	Err   error       // populated for DecisionFail
	Stats map[string]interface{}
}

// Continue builds a DecisionContinue carrying the (possibly mutated) item.
func Continue(item interface{}) Decision {
	return Decision{Kind: DecisionContinue, Item: item}
}

// Skip builds a DecisionSkip carrying the item that should be handed
// straight to the stage's post-hooks / output.
func Skip(item interface{}) Decision {
	return Decision{Kind: DecisionSkip, Item: item}
}

// Fail builds a DecisionFail; the Stage Engine treats this as a non-fatal
// HookError and keeps the item's pre-hook state.
func Fail(err error) Decision {
	return Decision{Kind: DecisionFail, Err: err}
}

// HookStage identifies which Stage an optimizer plugin targets.
type HookStage string

const (
	StageCapture    HookStage = "capture"
	StagePreprocess HookStage = "preprocess"
	StageOCR        HookStage = "ocr"
	StageValidate   HookStage = "validate"
	StageTranslate  HookStage = "translate"
	StageOverlay    HookStage = "overlay"
	StagePipeline   HookStage = "pipeline" // global hooks target the scheduler itself
)

// HookPosition identifies where in a Stage an optimizer plugin attaches.
type HookPosition string

const (
	HookPre    HookPosition = "pre"
	HookPost   HookPosition = "post"
	HookGlobal HookPosition = "global"
)

// OptimizerHook implements one or both of Pre/Post. A nil method (rather
// than a nil-safe no-op) is a programmer error; built-in optimizers that
// are pre-only or post-only embed NoopPre/NoopPost to satisfy the
// interface without implementing the unused half.
type OptimizerHook interface {
	Pre(item interface{}) Decision
	Post(item interface{}) Decision
	// GetStats returns a small, serializable struct of counters (§4.5).
	GetStats() interface{}
}

// NoopPre is embeddable by optimizers that only implement Post.
type NoopPre struct{}

func (NoopPre) Pre(item interface{}) Decision { return Continue(item) }

// NoopPost is embeddable by optimizers that only implement Pre.
type NoopPost struct{}

func (NoopPost) Post(item interface{}) Decision { return Continue(item) }
