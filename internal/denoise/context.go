package denoise

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/tensor"
	"github.com/seantiz/unidenoise/internal/weights"
)

// Predictor is the external noise-prediction collaborator. Implementations
// own the model math; the loop treats them as a black box.
type Predictor interface {
	Predict(x *tensor.Tensor, timestep float64, cond *Conditioning) (*tensor.Tensor, error)
}

// Conditioning is an encoded prompt.
type Conditioning struct {
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Embedding []float32 `json:"embedding" yaml:"embedding"`
}

// Model is the model reference a run executes against.
type Model struct {
	Name      string
	Type      model.BaseModelType
	DType     tensor.DType
	Device    string
	Weights   weights.Parameters
	Predictor Predictor
}

// Guidance is either a single scalar broadcast to every step or an explicit
// per-step schedule.
type Guidance struct {
	Scalar   float64
	Schedule []float64
}

// ScalarGuidance returns a guidance value broadcast to every step.
func ScalarGuidance(v float64) Guidance {
	return Guidance{Scalar: v}
}

// ScheduledGuidance returns a per-step guidance schedule.
func ScheduledGuidance(v []float64) Guidance {
	return Guidance{Schedule: append([]float64{}, v...)}
}

// IsSchedule reports whether g holds a per-step schedule.
func (g Guidance) IsSchedule() bool {
	return g.Schedule != nil
}

// MarshalJSON encodes a scalar as a number and a schedule as an array.
func (g Guidance) MarshalJSON() ([]byte, error) {
	if g.IsSchedule() {
		return json.Marshal(g.Schedule)
	}
	return json.Marshal(g.Scalar)
}

// UnmarshalJSON accepts a number or an array of numbers.
func (g *Guidance) UnmarshalJSON(b []byte) error {
	var scalar float64
	if err := json.Unmarshal(b, &scalar); err == nil {
		*g = ScalarGuidance(scalar)
		return nil
	}
	var sched []float64
	if err := json.Unmarshal(b, &sched); err != nil {
		return fmt.Errorf("guidance must be a number or an array of numbers: %w", err)
	}
	*g = ScheduledGuidance(sched)
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence node.
func (g *Guidance) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var sched []float64
		if err := node.Decode(&sched); err != nil {
			return err
		}
		*g = ScheduledGuidance(sched)
		return nil
	}
	var scalar float64
	if err := node.Decode(&scalar); err != nil {
		return fmt.Errorf("guidance must be a number or a list of numbers: %w", err)
	}
	*g = ScalarGuidance(scalar)
	return nil
}

// BroadcastGuidance expands g to n entries. A schedule whose length differs
// from n is a configuration error.
func BroadcastGuidance(g Guidance, n int) ([]float64, error) {
	if !g.IsSchedule() {
		out := make([]float64, n)
		for i := range out {
			out[i] = g.Scalar
		}
		return out, nil
	}
	if len(g.Schedule) != n {
		return nil, Configf("guidance schedule has %d entries, schedule has %d", len(g.Schedule), n)
	}
	return append([]float64{}, g.Schedule...), nil
}

// Inputs is the run configuration consumed from the invocation boundary.
type Inputs struct {
	Model          *Model
	Positive       *Conditioning
	Negative       *Conditioning
	Guidance       Guidance
	Width          int
	Height         int
	Steps          int
	Seed           int64
	DenoisingStart float64

	// Latents is the prior state for image-to-image runs; nil for text-to-image.
	Latents *tensor.Tensor

	Extensions []ExtensionRef
}

// StepEvent describes one completed loop iteration.
type StepEvent struct {
	StepIndex  int     `json:"step_index"`
	Total      int     `json:"total"`
	Timestep   float64 `json:"timestep"`
	Guidance   float64 `json:"guidance"`
	LatentMean float64 `json:"latent_mean"`
	LatentStd  float64 `json:"latent_std"`
}

// EventSink receives step progress from the control loop.
type EventSink interface {
	PublishStep(ev StepEvent)
}

// RunContext is the mutable state threaded through one run. It is created
// once per invocation and never reused.
type RunContext struct {
	Inputs     *Inputs
	Core       Core
	Extensions *ExtensionsManager
	Logger     *slog.Logger
	Events     EventSink

	// Ledger is the active weight ledger while the resource patch scope is open.
	Ledger *weights.Ledger

	Schedule []float64
	Guidance []float64

	// Noise is set by the core during state initialization.
	Noise *tensor.Tensor

	StepIndex int
	Timestep  float64

	// Latents is replaced, never mutated in place, at each step.
	Latents *tensor.Tensor

	// Values holds derived configuration registered by extension callbacks.
	Values map[string]any

	// RestoredParameters counts parameters written back when the patch scope closed.
	RestoredParameters int

	phase Phase
}

// NewRunContext creates the context for one run. A nil logger discards output.
func NewRunContext(inputs *Inputs, core Core, mgr *ExtensionsManager, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RunContext{
		Inputs:     inputs,
		Core:       core,
		Extensions: mgr,
		Logger:     logger,
		Values:     make(map[string]any),
		phase:      PhaseInit,
	}
}

// Phase returns the control loop's current phase.
func (rc *RunContext) Phase() Phase {
	return rc.phase
}

// SeededNoise returns deterministic noise for the run's seed, model dtype and
// device.
func (rc *RunContext) SeededNoise(shape []int) *tensor.Tensor {
	dtype, device := tensor.Float32, tensor.DeviceCPU
	if m := rc.Inputs.Model; m != nil {
		if m.DType != "" {
			dtype = m.DType
		}
		if m.Device != "" {
			device = m.Device
		}
	}
	return tensor.Randn(rc.Inputs.Seed, shape, dtype, device)
}

// parameters returns the model's weights or an empty set.
func (rc *RunContext) parameters() weights.Parameters {
	if m := rc.Inputs.Model; m != nil && m.Weights != nil {
		return m.Weights
	}
	return weights.NewStore(nil)
}

func (rc *RunContext) setPhase(p Phase) {
	rc.phase = p
	rc.Logger.Debug("denoise phase", "phase", string(p))
}
