package extensions

import (
	"github.com/seantiz/unidenoise/internal/denoise"
)

// LatentClamp bounds the latent state to [-Limit, Limit] after every step.
type LatentClamp struct {
	universal
	Limit float64 `mapstructure:"limit"`
	Order int     `mapstructure:"order"`
}

// NewLatentClamp is the ExtensionFactory for "latent_clamp".
func NewLatentClamp(_ *denoise.RunContext, kwargs map[string]any) (denoise.Extension, error) {
	c := &LatentClamp{Limit: 4}
	if err := decodeKwargs(kwargs, c); err != nil {
		return nil, err
	}
	if c.Limit <= 0 {
		return nil, denoise.Configf("latent_clamp limit must be positive, got %g", c.Limit)
	}
	return c, nil
}

func (c *LatentClamp) Callbacks() []denoise.Callback {
	return []denoise.Callback{{Point: denoise.PointPostStep, Order: c.Order, Fn: c.clamp}}
}

func (c *LatentClamp) clamp(rc *denoise.RunContext) error {
	if rc.Latents == nil {
		return nil
	}
	lim := float32(c.Limit)
	rc.Latents = rc.Latents.Map(func(v float32) float32 {
		return min(max(v, -lim), lim)
	})
	return nil
}

// StepStat is one entry recorded by StepStats.
type StepStat struct {
	Step     int     `json:"step"`
	Timestep float64 `json:"timestep"`
	Guidance float64 `json:"guidance"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
}

// StepStatsKey is the RunContext.Values key StepStats records under.
const StepStatsKey = "step_stats"

// StepStats records latent statistics after every step.
type StepStats struct {
	universal
	Order int `mapstructure:"order"`
}

// NewStepStats is the ExtensionFactory for "step_stats".
func NewStepStats(_ *denoise.RunContext, kwargs map[string]any) (denoise.Extension, error) {
	s := &StepStats{}
	if err := decodeKwargs(kwargs, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StepStats) Callbacks() []denoise.Callback {
	return []denoise.Callback{
		{Point: denoise.PointPreLoop, Order: s.Order, Fn: func(rc *denoise.RunContext) error {
			rc.Values[StepStatsKey] = make([]StepStat, 0, len(rc.Schedule))
			return nil
		}},
		{Point: denoise.PointPostStep, Order: s.Order, Fn: s.record},
	}
}

func (s *StepStats) record(rc *denoise.RunContext) error {
	stats, _ := rc.Values[StepStatsKey].([]StepStat)
	rc.Values[StepStatsKey] = append(stats, StepStat{
		Step:     rc.StepIndex,
		Timestep: rc.Timestep,
		Guidance: rc.Guidance[rc.StepIndex],
		Mean:     rc.Latents.Mean(),
		Std:      rc.Latents.Std(),
	})
	return nil
}

// Stats returns the statistics recorded in rc, if any.
func Stats(rc *denoise.RunContext) []StepStat {
	stats, _ := rc.Values[StepStatsKey].([]StepStat)
	return stats
}
