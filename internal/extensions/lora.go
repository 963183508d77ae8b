package extensions

import (
	"fmt"
	"slices"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/tensor"
	"github.com/seantiz/unidenoise/internal/weights"
)

// LoRA adds weighted deltas to model parameters for the duration of the
// loop. Each delta is added element-wise as weight*delta.
type LoRA struct {
	universal
	Weight float64            `mapstructure:"weight"`
	Deltas map[string]float64 `mapstructure:"deltas"`
}

// NewLoRA is the ExtensionFactory for "lora".
func NewLoRA(_ *denoise.RunContext, kwargs map[string]any) (denoise.Extension, error) {
	l := &LoRA{Weight: 1}
	if err := decodeKwargs(kwargs, l); err != nil {
		return nil, err
	}
	if len(l.Deltas) == 0 {
		return nil, denoise.Configf("lora requires at least one delta")
	}
	return l, nil
}

// PatchResource applies every delta through the ledger in key order.
func (l *LoRA) PatchResource(rc *denoise.RunContext, ledger *weights.Ledger) (func(), error) {
	params := rc.Inputs.Model.Weights
	if params == nil {
		return nil, fmt.Errorf("model %q has no patchable weights", rc.Inputs.Model.Name)
	}
	keys := make([]string, 0, len(l.Deltas))
	for k := range l.Deltas {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		d := l.Weight * l.Deltas[k]
		err := ledger.Apply(params, k, func(cur *tensor.Tensor) (*tensor.Tensor, error) {
			return cur.Map(func(v float32) float32 { return float32(float64(v) + d) }), nil
		})
		if err != nil {
			return nil, fmt.Errorf("patch %q: %w", k, err)
		}
	}
	rc.Logger.Debug("lora applied", "parameters", len(keys), "weight", l.Weight)
	return nil, nil
}
