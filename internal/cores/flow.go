package cores

import (
	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/tensor"
)

// Flow is a flow-matching Euler sampler. The schedule holds sigmas in
// (0, 1]; the terminal sigma of 0 is implied after the last step.
type Flow struct {
	Shift float64
}

// NewFlow returns a factory for flow cores with the given time shift.
func NewFlow(shift float64) denoise.CoreFactory {
	return func(func() bool) denoise.Core {
		return &Flow{Shift: shift}
	}
}

func (f *Flow) Validate(rc *denoise.RunContext) error {
	if f.Shift <= 0 {
		return denoise.Configf("flow shift must be positive, got %g", f.Shift)
	}
	return validate(rc)
}

// CalculateSchedule spaces steps+1 sigmas linearly from 1 to 0, applies the
// time shift and drops the terminal zero and any skipped leading steps.
func (f *Flow) CalculateSchedule(rc *denoise.RunContext) ([]float64, error) {
	n := rc.Inputs.Steps
	sigmas := make([]float64, 0, n)
	for i := startIndex(rc); i < n; i++ {
		s := 1 - float64(i)/float64(n)
		sigmas = append(sigmas, f.shift(s))
	}
	return sigmas, nil
}

func (f *Flow) shift(s float64) float64 {
	if f.Shift == 1 {
		return s
	}
	return f.Shift * s / (1 + (f.Shift-1)*s)
}

func (f *Flow) PrepareGuidance(rc *denoise.RunContext) ([]float64, error) {
	return denoise.BroadcastGuidance(rc.Inputs.Guidance, len(rc.Schedule))
}

// InitializeState draws seeded noise and, for image-to-image, blends the
// prior latents toward it at the first sigma.
func (f *Flow) InitializeState(rc *denoise.RunContext) (*tensor.Tensor, error) {
	in := rc.Inputs
	rc.Noise = rc.SeededNoise(LatentShape(in.Model.Type, in.Width, in.Height))
	if in.Latents == nil {
		return rc.Noise.Clone(), nil
	}
	s0 := rc.Schedule[0]
	return tensor.Combine(1-s0, in.Latents, s0, rc.Noise)
}

func (f *Flow) PredictDelta(rc *denoise.RunContext, state *tensor.Tensor, timestep, guidance float64, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return guided(rc, state, timestep, guidance)
}

// UpdateState takes an Euler step from the current sigma to the next.
func (f *Flow) UpdateState(rc *denoise.RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error) {
	next := 0.0
	if stepIndex+1 < len(rc.Schedule) {
		next = rc.Schedule[stepIndex+1]
	}
	return tensor.Combine(1, state, next-timestep, delta)
}
