// Package synthetic provides deterministic stand-in models. Their predictors
// read parameters from a weights.Store on every call, so weight patches made
// during a run change the output and restores are observable.
package synthetic

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/tensor"
	"github.com/seantiz/unidenoise/internal/weights"
)

// Parameter keys read by Predictor.
const (
	KeyScale = "proj.scale"
	KeyBias  = "proj.bias"
)

// EmbeddingSize is the length of encoded prompts.
const EmbeddingSize = 8

// Predictor computes scale*x + bias + c, where c is the mean of the
// conditioning embedding damped by the timestep.
type Predictor struct {
	Weights weights.Parameters
}

// Predict implements denoise.Predictor.
func (p *Predictor) Predict(x *tensor.Tensor, timestep float64, cond *denoise.Conditioning) (*tensor.Tensor, error) {
	scale, err := p.scalar(KeyScale)
	if err != nil {
		return nil, err
	}
	bias, err := p.scalar(KeyBias)
	if err != nil {
		return nil, err
	}

	var c float64
	if cond != nil && len(cond.Embedding) > 0 {
		for _, v := range cond.Embedding {
			c += float64(v)
		}
		c /= float64(len(cond.Embedding))
	}
	c /= 1 + math.Abs(timestep)

	return x.Map(func(v float32) float32 {
		return float32(scale*float64(v) + bias + c)
	}), nil
}

func (p *Predictor) scalar(key string) (float64, error) {
	t, err := p.Weights.Parameter(key)
	if err != nil {
		return 0, err
	}
	if t.Len() == 0 {
		return 0, fmt.Errorf("parameter %q is empty", key)
	}
	return float64(t.Data[0]), nil
}

// DefaultWeights returns the initial parameters of a synthetic model.
func DefaultWeights() *weights.Store {
	return weights.NewStore(map[string]*tensor.Tensor{
		KeyScale: tensor.Full([]int{1}, 0.5, tensor.Float32, tensor.DeviceCPU),
		KeyBias:  tensor.Full([]int{1}, 0, tensor.Float32, tensor.DeviceCPU),
	})
}

// NewModel returns a synthetic model of the given family with fresh weights.
func NewModel(name string, t model.BaseModelType) *denoise.Model {
	w := DefaultWeights()
	return &denoise.Model{
		Name:      name,
		Type:      t,
		DType:     tensor.Float32,
		Device:    tensor.DeviceCPU,
		Weights:   w,
		Predictor: &Predictor{Weights: w},
	}
}

// Encode maps a prompt to a deterministic embedding in [-1, 1).
func Encode(prompt string) *denoise.Conditioning {
	emb := make([]float32, EmbeddingSize)
	for i := range emb {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, prompt)
		emb[i] = float32(h.Sum64()%2000)/1000 - 1
	}
	return &denoise.Conditioning{Name: prompt, Embedding: emb}
}
