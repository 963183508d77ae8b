package cores

import (
	"math"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/tensor"
)

// Scaled-linear beta schedule used by the SD families.
const (
	trainSteps = 1000
	betaStart  = 0.00085
	betaEnd    = 0.012
)

// alphasCumprod is the cumulative product of (1 - beta) over trainSteps.
var alphasCumprod = func() []float64 {
	out := make([]float64, trainSteps)
	lo, hi := math.Sqrt(betaStart), math.Sqrt(betaEnd)
	acc := 1.0
	for i := range out {
		b := lo + (hi-lo)*float64(i)/float64(trainSteps-1)
		acc *= 1 - b*b
		out[i] = acc
	}
	return out
}()

// DDIM is a deterministic DDIM sampler over integer training timesteps.
type DDIM struct{}

// NewDDIM is the DDIM core factory. Cancellation is left to the loop, which
// polls it between steps.
func NewDDIM(func() bool) denoise.Core {
	return &DDIM{}
}

func (d *DDIM) Validate(rc *denoise.RunContext) error {
	if rc.Inputs.Steps > trainSteps {
		return denoise.Validationf("steps must not exceed %d, got %d", trainSteps, rc.Inputs.Steps)
	}
	return validate(rc)
}

// CalculateSchedule returns evenly spaced descending timesteps, dropping any
// skipped leading steps.
func (d *DDIM) CalculateSchedule(rc *denoise.RunContext) ([]float64, error) {
	n := rc.Inputs.Steps
	if n <= 0 || n > trainSteps {
		return nil, denoise.Configf("ddim needs between 1 and %d steps, got %d", trainSteps, n)
	}
	ratio := trainSteps / n
	ts := make([]float64, 0, n)
	for i := startIndex(rc); i < n; i++ {
		ts = append(ts, float64((n-1-i)*ratio))
	}
	return ts, nil
}

func (d *DDIM) PrepareGuidance(rc *denoise.RunContext) ([]float64, error) {
	return denoise.BroadcastGuidance(rc.Inputs.Guidance, len(rc.Schedule))
}

// InitializeState draws seeded noise and, for image-to-image, forward-noises
// the prior latents to the first timestep.
func (d *DDIM) InitializeState(rc *denoise.RunContext) (*tensor.Tensor, error) {
	in := rc.Inputs
	rc.Noise = rc.SeededNoise(LatentShape(in.Model.Type, in.Width, in.Height))
	if in.Latents == nil {
		return rc.Noise.Clone(), nil
	}
	a := alphaAt(rc.Schedule[0])
	return tensor.Combine(math.Sqrt(a), in.Latents, math.Sqrt(1-a), rc.Noise)
}

func (d *DDIM) PredictDelta(rc *denoise.RunContext, state *tensor.Tensor, timestep, guidance float64, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return guided(rc, state, timestep, guidance)
}

// UpdateState applies the eta=0 DDIM step using delta as the predicted noise.
func (d *DDIM) UpdateState(rc *denoise.RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error) {
	at := alphaAt(timestep)
	prev := 1.0
	if stepIndex+1 < len(rc.Schedule) {
		prev = alphaAt(rc.Schedule[stepIndex+1])
	}
	sa, sp := math.Sqrt(at), math.Sqrt(prev)
	return tensor.Combine(sp/sa, state, math.Sqrt(1-prev)-sp*math.Sqrt(1-at)/sa, delta)
}

func alphaAt(t float64) float64 {
	i := int(t)
	if i < 0 {
		i = 0
	}
	if i >= trainSteps {
		i = trainSteps - 1
	}
	return alphasCumprod[i]
}
