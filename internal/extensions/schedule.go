package extensions

import (
	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
)

// CustomSchedule replaces the core's schedule with explicit timesteps.
type CustomSchedule struct {
	denoise.Base
	Timesteps  []float64 `mapstructure:"timesteps"`
	ModelTypes []string  `mapstructure:"model_types"`

	types []model.BaseModelType
}

// NewCustomSchedule is the ExtensionFactory for "custom_schedule".
func NewCustomSchedule(_ *denoise.RunContext, kwargs map[string]any) (denoise.Extension, error) {
	s := &CustomSchedule{}
	if err := decodeKwargs(kwargs, s); err != nil {
		return nil, err
	}
	if len(s.Timesteps) == 0 {
		return nil, denoise.Configf("custom_schedule requires timesteps")
	}
	types, err := parseModelTypes(s.ModelTypes)
	if err != nil {
		return nil, err
	}
	s.types = types
	return s, nil
}

func (s *CustomSchedule) CompatibleModelTypes() []model.BaseModelType { return s.types }

func (s *CustomSchedule) Swaps() []denoise.Swap {
	return []denoise.Swap{denoise.SwapCalculateSchedule(func(*denoise.RunContext) ([]float64, error) {
		return append([]float64(nil), s.Timesteps...), nil
	})}
}
