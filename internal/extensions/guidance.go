package extensions

import "github.com/seantiz/unidenoise/internal/denoise"

// GuidanceRamp replaces guidance preparation with a linear ramp from Start
// to End across the schedule.
type GuidanceRamp struct {
	universal
	Start float64 `mapstructure:"start"`
	End   float64 `mapstructure:"end"`
}

// NewGuidanceRamp is the ExtensionFactory for "guidance_ramp". Start
// defaults to the run's scalar guidance and End to 1.
func NewGuidanceRamp(rc *denoise.RunContext, kwargs map[string]any) (denoise.Extension, error) {
	g := &GuidanceRamp{Start: rc.Inputs.Guidance.Scalar, End: 1}
	if err := decodeKwargs(kwargs, g); err != nil {
		return nil, err
	}
	if g.Start < 0 || g.End < 0 {
		return nil, denoise.Configf("guidance_ramp bounds must not be negative")
	}
	return g, nil
}

func (g *GuidanceRamp) Swaps() []denoise.Swap {
	return []denoise.Swap{denoise.SwapPrepareGuidance(g.prepare)}
}

func (g *GuidanceRamp) prepare(rc *denoise.RunContext) ([]float64, error) {
	n := len(rc.Schedule)
	out := make([]float64, n)
	for i := range out {
		if n == 1 {
			out[i] = g.Start
			break
		}
		out[i] = g.Start + (g.End-g.Start)*float64(i)/float64(n-1)
	}
	return out, nil
}
