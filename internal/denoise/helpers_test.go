package denoise_test

import (
	"errors"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/tensor"
	"github.com/seantiz/unidenoise/internal/weights"
)

// countingCore is a minimal core: schedule [3 2 1 0], scalar guidance
// broadcast, zero initial state, delta of ones, update = state + delta.
type countingCore struct {
	validateErr error
	calls       []string
}

func (c *countingCore) Validate(rc *denoise.RunContext) error {
	c.calls = append(c.calls, "validate")
	return c.validateErr
}

func (c *countingCore) CalculateSchedule(rc *denoise.RunContext) ([]float64, error) {
	c.calls = append(c.calls, "schedule")
	return []float64{3, 2, 1, 0}, nil
}

func (c *countingCore) PrepareGuidance(rc *denoise.RunContext) ([]float64, error) {
	c.calls = append(c.calls, "guidance")
	return denoise.BroadcastGuidance(rc.Inputs.Guidance, len(rc.Schedule))
}

func (c *countingCore) InitializeState(rc *denoise.RunContext) (*tensor.Tensor, error) {
	c.calls = append(c.calls, "init")
	rc.Noise = rc.SeededNoise([]int{1})
	return tensor.Zeros([]int{1}, tensor.Float32, tensor.DeviceCPU), nil
}

func (c *countingCore) PredictDelta(rc *denoise.RunContext, state *tensor.Tensor, timestep, guidance float64, noise *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Full(state.Shape, 1, state.DType, state.Device), nil
}

func (c *countingCore) UpdateState(rc *denoise.RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error) {
	return state.Add(delta)
}

// failingCore is a countingCore whose predict or update step errors at a
// given step index. A negative index never fails.
type failingCore struct {
	countingCore
	predictAt int
	updateAt  int
}

func (c *failingCore) PredictDelta(rc *denoise.RunContext, state *tensor.Tensor, timestep, guidance float64, noise *tensor.Tensor) (*tensor.Tensor, error) {
	if rc.StepIndex == c.predictAt {
		return nil, errors.New("predictor unavailable")
	}
	return c.countingCore.PredictDelta(rc, state, timestep, guidance, noise)
}

func (c *failingCore) UpdateState(rc *denoise.RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error) {
	if stepIndex == c.updateAt {
		return nil, errors.New("update diverged")
	}
	return c.countingCore.UpdateState(rc, state, delta, timestep, stepIndex)
}

// testExt is a configurable extension.
type testExt struct {
	denoise.Base
	callbacks []denoise.Callback
	swaps     []denoise.Swap
	types     []model.BaseModelType
	patch     func(rc *denoise.RunContext, l *weights.Ledger) (func(), error)
}

func (e *testExt) Callbacks() []denoise.Callback { return e.callbacks }
func (e *testExt) Swaps() []denoise.Swap         { return e.swaps }

func (e *testExt) CompatibleModelTypes() []model.BaseModelType {
	if e.types == nil {
		return []model.BaseModelType{model.TypeAny}
	}
	return e.types
}

// patchingExt adds a ResourcePatcher to testExt.
type patchingExt struct {
	testExt
}

func (e *patchingExt) PatchResource(rc *denoise.RunContext, l *weights.Ledger) (func(), error) {
	return e.patch(rc, l)
}

func newTestModel(params *weights.Store) *denoise.Model {
	m := &denoise.Model{Name: "test", Type: model.TypeFlux}
	if params != nil {
		m.Weights = params
	}
	return m
}

func newTestInputs(params *weights.Store) *denoise.Inputs {
	return &denoise.Inputs{
		Model:    newTestModel(params),
		Guidance: denoise.ScalarGuidance(1.0),
		Steps:    4,
		Seed:     42,
	}
}

func newTestRun(core denoise.Core, inputs *denoise.Inputs, canceled func() bool) *denoise.RunContext {
	mgr := denoise.NewExtensionsManager(canceled)
	return denoise.NewRunContext(inputs, core, mgr, nil)
}

func recordCallback(log *[]string, name string) denoise.CallbackFunc {
	return func(rc *denoise.RunContext) error {
		*log = append(*log, name)
		return nil
	}
}

func addToParam(key string, d float32) func(rc *denoise.RunContext, l *weights.Ledger) (func(), error) {
	return func(rc *denoise.RunContext, l *weights.Ledger) (func(), error) {
		return nil, l.Apply(rc.Inputs.Model.Weights, key, func(cur *tensor.Tensor) (*tensor.Tensor, error) {
			return cur.Map(func(v float32) float32 { return v + d }), nil
		})
	}
}

func newParams() *weights.Store {
	return weights.NewStore(map[string]*tensor.Tensor{
		"w": tensor.Full([]int{2}, 1, tensor.Float32, tensor.DeviceCPU),
		"b": tensor.Full([]int{2}, 0.5, tensor.Float32, tensor.DeviceCPU),
	})
}
