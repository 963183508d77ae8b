package denoise

import "github.com/seantiz/unidenoise/internal/tensor"

// Function names a swappable core operation.
type Function string

// Swappable core operations.
const (
	FnValidate          Function = "validate"
	FnCalculateSchedule Function = "calculate_schedule"
	FnPrepareGuidance   Function = "prepare_guidance"
	FnInitializeState   Function = "initialize_state"
	FnPredictDelta      Function = "predict_delta"
	FnUpdateState       Function = "update_state"
)

// Signatures of the swappable operations. A swap for a Function must have
// exactly the matching type.
type (
	ValidateFunc   func(rc *RunContext) error
	ScheduleFunc   func(rc *RunContext) ([]float64, error)
	GuidanceFunc   func(rc *RunContext) ([]float64, error)
	InitializeFunc func(rc *RunContext) (*tensor.Tensor, error)
	PredictFunc    func(rc *RunContext, state *tensor.Tensor, timestep, guidance float64, noise *tensor.Tensor) (*tensor.Tensor, error)
	UpdateFunc     func(rc *RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error)
)

// Core is the model-family strategy behind the sampling loop. Each method is
// independent of the others; extensions may replace any of them per run.
type Core interface {
	// Validate fails fast with an ErrValidation error before any resource is
	// touched or any step executed.
	Validate(rc *RunContext) error

	// CalculateSchedule returns the ordered timesteps. Its length, not
	// Inputs.Steps, determines the number of iterations.
	CalculateSchedule(rc *RunContext) ([]float64, error)

	// PrepareGuidance returns one guidance weight per entry of rc.Schedule.
	PrepareGuidance(rc *RunContext) ([]float64, error)

	// InitializeState returns the initial latent state and sets rc.Noise.
	InitializeState(rc *RunContext) (*tensor.Tensor, error)

	// PredictDelta returns the per-step update contribution.
	PredictDelta(rc *RunContext, state *tensor.Tensor, timestep, guidance float64, noise *tensor.Tensor) (*tensor.Tensor, error)

	// UpdateState returns the next latent state without mutating state.
	UpdateState(rc *RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error)
}

// CoreFactory constructs a core for one run. canceled is the run's
// cancellation predicate and may be nil.
type CoreFactory func(canceled func() bool) Core
