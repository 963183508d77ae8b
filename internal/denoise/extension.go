package denoise

import (
	"reflect"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/tensor"
	"github.com/seantiz/unidenoise/internal/weights"
)

// CallbackPoint is a named moment in the run lifecycle where extension
// callbacks fire.
type CallbackPoint string

// Callback points in firing order.
const (
	PointValidate CallbackPoint = "validate"
	PointPreLoop  CallbackPoint = "pre_loop"
	PointPreStep  CallbackPoint = "pre_step"
	PointPostStep CallbackPoint = "post_step"
	PointPostLoop CallbackPoint = "post_loop"
)

// CallbackPoints lists every callback point.
var CallbackPoints = []CallbackPoint{PointValidate, PointPreLoop, PointPreStep, PointPostStep, PointPostLoop}

func validPoint(p CallbackPoint) bool {
	for _, known := range CallbackPoints {
		if p == known {
			return true
		}
	}
	return false
}

// CallbackFunc observes or adjusts the run context in place.
type CallbackFunc func(rc *RunContext) error

// Callback declares a handler at a callback point. Lower Order runs first;
// equal orders run in the order their extensions were added.
type Callback struct {
	Point CallbackPoint
	Order int
	Fn    CallbackFunc
}

// Swap declares a replacement for one core operation. Build it with the
// typed constructors so Fn always matches Function's signature.
type Swap struct {
	Function Function
	Fn       any
}

// SwapValidate replaces Core.Validate.
func SwapValidate(fn ValidateFunc) Swap { return Swap{Function: FnValidate, Fn: fn} }

// SwapCalculateSchedule replaces Core.CalculateSchedule.
func SwapCalculateSchedule(fn ScheduleFunc) Swap {
	return Swap{Function: FnCalculateSchedule, Fn: fn}
}

// SwapPrepareGuidance replaces Core.PrepareGuidance.
func SwapPrepareGuidance(fn GuidanceFunc) Swap { return Swap{Function: FnPrepareGuidance, Fn: fn} }

// SwapInitializeState replaces Core.InitializeState.
func SwapInitializeState(fn InitializeFunc) Swap {
	return Swap{Function: FnInitializeState, Fn: fn}
}

// SwapPredictDelta replaces Core.PredictDelta.
func SwapPredictDelta(fn PredictFunc) Swap { return Swap{Function: FnPredictDelta, Fn: fn} }

// SwapUpdateState replaces Core.UpdateState.
func SwapUpdateState(fn UpdateFunc) Swap { return Swap{Function: FnUpdateState, Fn: fn} }

// normalizeSwap converts s.Fn to the named signature type for s.Function.
// Both the named type and an equivalent unnamed func literal are accepted.
func normalizeSwap(s Swap) (Swap, bool) {
	switch s.Function {
	case FnValidate:
		return asSwap[ValidateFunc](s, func(f func(*RunContext) error) ValidateFunc { return f })
	case FnCalculateSchedule:
		return asSwap[ScheduleFunc](s, func(f func(*RunContext) ([]float64, error)) ScheduleFunc { return f })
	case FnPrepareGuidance:
		return asSwap[GuidanceFunc](s, func(f func(*RunContext) ([]float64, error)) GuidanceFunc { return f })
	case FnInitializeState:
		return asSwap[InitializeFunc](s, func(f func(*RunContext) (*tensor.Tensor, error)) InitializeFunc { return f })
	case FnPredictDelta:
		return asSwap[PredictFunc](s, func(f func(*RunContext, *tensor.Tensor, float64, float64, *tensor.Tensor) (*tensor.Tensor, error)) PredictFunc {
			return f
		})
	case FnUpdateState:
		return asSwap[UpdateFunc](s, func(f func(*RunContext, *tensor.Tensor, *tensor.Tensor, float64, int) (*tensor.Tensor, error)) UpdateFunc {
			return f
		})
	}
	return s, false
}

// asSwap accepts s.Fn as either the named type N or its underlying func
// type U, rejecting nil funcs.
func asSwap[N any, U any](s Swap, convert func(U) N) (Swap, bool) {
	switch fn := s.Fn.(type) {
	case N:
		if isNilFunc(fn) {
			return s, false
		}
		return s, true
	case U:
		if isNilFunc(fn) {
			return s, false
		}
		return Swap{Function: s.Function, Fn: convert(fn)}, true
	}
	return s, false
}

func isNilFunc(fn any) bool {
	v := reflect.ValueOf(fn)
	return v.Kind() == reflect.Func && v.IsNil()
}

// Extension is a plugin instance attached to exactly one run. Callbacks and
// Swaps are read once, when the extension is added to the manager.
type Extension interface {
	Callbacks() []Callback
	Swaps() []Swap

	// CompatibleModelTypes lists supported model families. An empty list is
	// compatible with nothing; include model.TypeAny to support all.
	CompatibleModelTypes() []model.BaseModelType
}

// ResourcePatcher is implemented by extensions that patch model weights for
// the duration of the loop. Every parameter changed must first be recorded
// in the ledger (weights.Ledger.Apply does both). The returned release func,
// if non-nil, undoes any non-weight patch and runs before the ledger restores.
type ResourcePatcher interface {
	PatchResource(rc *RunContext, ledger *weights.Ledger) (release func(), err error)
}

// ExtensionFactory constructs an extension from its wire kwargs.
type ExtensionFactory func(rc *RunContext, kwargs map[string]any) (Extension, error)

// ExtensionRef is the wire form of an extension request.
type ExtensionRef struct {
	Name   string         `json:"name" yaml:"name"`
	Kwargs map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// Base provides empty declarations for embedding. It declares no compatible
// model types, so embedders must override CompatibleModelTypes.
type Base struct{}

// Callbacks implements Extension.
func (Base) Callbacks() []Callback { return nil }

// Swaps implements Extension.
func (Base) Swaps() []Swap { return nil }

// CompatibleModelTypes implements Extension.
func (Base) CompatibleModelTypes() []model.BaseModelType { return nil }
