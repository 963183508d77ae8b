package cores

import (
	"errors"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
)

// Time shifts for the flow-matching families.
const (
	FluxShift     = 1.0
	SD3Shift      = 3.0
	CogView4Shift = 3.0
)

// Factories maps each model type to its core factory.
func Factories() map[model.BaseModelType]denoise.CoreFactory {
	return map[model.BaseModelType]denoise.CoreFactory{
		model.TypeSD1:      NewDDIM,
		model.TypeSD2:      NewDDIM,
		model.TypeSDXL:     NewDDIM,
		model.TypeSD3:      NewFlow(SD3Shift),
		model.TypeFlux:     NewFlow(FluxShift),
		model.TypeCogView4: NewFlow(CogView4Shift),
	}
}

// Register adds a core for every model type to regs.
func Register(regs *denoise.Registries) error {
	var errs []error
	factories := Factories()
	for _, t := range model.ModelTypes {
		f, ok := factories[t]
		if !ok {
			continue
		}
		if err := regs.RegisterCore(string(t), f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
