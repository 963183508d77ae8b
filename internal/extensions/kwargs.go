package extensions

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
)

// decodeKwargs decodes wire kwargs into out. Unknown keys are rejected so
// typos surface before the run starts.
func decodeKwargs(kwargs map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(kwargs); err != nil {
		return fmt.Errorf("%w: kwargs: %v", denoise.ErrConfig, err)
	}
	return nil
}

// parseModelTypes converts names to model types. An empty list means every
// family.
func parseModelTypes(names []string) ([]model.BaseModelType, error) {
	if len(names) == 0 {
		return []model.BaseModelType{model.TypeAny}, nil
	}
	out := make([]model.BaseModelType, 0, len(names))
	for _, n := range names {
		if model.BaseModelType(n) == model.TypeAny {
			out = append(out, model.TypeAny)
			continue
		}
		t, err := model.ParseBaseModelType(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", denoise.ErrConfig, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// universal is embedded by extensions that support every model family.
type universal struct{ denoise.Base }

func (universal) CompatibleModelTypes() []model.BaseModelType {
	return []model.BaseModelType{model.TypeAny}
}
