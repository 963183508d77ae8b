package cores

import (
	"slices"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/tensor"
)

// latentScale is the VAE spatial downsampling factor.
const latentScale = 8

// LatentChannels returns the latent channel count for a model family.
func LatentChannels(t model.BaseModelType) int {
	switch t {
	case model.TypeSD1, model.TypeSD2, model.TypeSDXL:
		return 4
	}
	return 16
}

// LatentShape returns the latent tensor shape for an image of the given size.
func LatentShape(t model.BaseModelType, width, height int) []int {
	return []int{1, LatentChannels(t), height / latentScale, width / latentScale}
}

// validate holds the checks shared by every core.
func validate(rc *denoise.RunContext) error {
	in := rc.Inputs
	if in.Model == nil {
		return denoise.Validationf("model is required")
	}
	if in.Model.Predictor == nil {
		return denoise.Validationf("model %q has no predictor", in.Model.Name)
	}
	if in.Steps <= 0 {
		return denoise.Validationf("steps must be positive, got %d", in.Steps)
	}
	if in.Width <= 0 || in.Width%latentScale != 0 {
		return denoise.Validationf("width must be a positive multiple of %d, got %d", latentScale, in.Width)
	}
	if in.Height <= 0 || in.Height%latentScale != 0 {
		return denoise.Validationf("height must be a positive multiple of %d, got %d", latentScale, in.Height)
	}
	if in.DenoisingStart < 0 || in.DenoisingStart >= 1 {
		return denoise.Validationf("denoising_start must be in [0, 1), got %g", in.DenoisingStart)
	}
	if in.Positive == nil {
		return denoise.Validationf("positive conditioning is required")
	}
	if in.Latents != nil {
		want := LatentShape(in.Model.Type, in.Width, in.Height)
		if !slices.Equal(in.Latents.Shape, want) {
			return denoise.Validationf("latents shape %v does not match %v", in.Latents.Shape, want)
		}
	}
	if in.Guidance.IsSchedule() {
		for i, g := range in.Guidance.Schedule {
			if g < 0 {
				return denoise.Validationf("guidance[%d] is negative", i)
			}
		}
	} else if in.Guidance.Scalar < 0 {
		return denoise.Validationf("guidance must not be negative")
	}
	return nil
}

// startIndex is the number of leading steps skipped for image-to-image.
func startIndex(rc *denoise.RunContext) int {
	return int(rc.Inputs.DenoisingStart * float64(rc.Inputs.Steps))
}

// guided combines conditional and unconditional predictions. Without a
// negative conditioning, or at unit guidance, the conditional prediction is
// returned as is. A dispatched step always runs both predictions; the loop
// polls cancellation between steps.
func guided(rc *denoise.RunContext, state *tensor.Tensor, timestep, guidance float64) (*tensor.Tensor, error) {
	p := rc.Inputs.Model.Predictor
	pos, err := p.Predict(state, timestep, rc.Inputs.Positive)
	if err != nil {
		return nil, err
	}
	if rc.Inputs.Negative == nil || guidance == 1 {
		return pos, nil
	}
	neg, err := p.Predict(state, timestep, rc.Inputs.Negative)
	if err != nil {
		return nil, err
	}
	return tensor.Combine(1-guidance, neg, guidance, pos)
}
