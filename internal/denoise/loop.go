package denoise

import (
	"errors"
	"fmt"

	"github.com/seantiz/unidenoise/internal/tensor"
)

// Phase is a control loop state.
type Phase string

// Control loop phases in order. PhaseCanceled and PhaseFailed are terminal
// alternatives to PhaseDone.
const (
	PhaseInit               Phase = "init"
	PhaseCompatibilityCheck Phase = "compatibility_check"
	PhaseValidating         Phase = "validating"
	PhaseScheduling         Phase = "scheduling"
	PhaseInitializing       Phase = "initializing"
	PhaseLooping            Phase = "looping"
	PhaseFinalizing         Phase = "finalizing"
	PhaseDone               Phase = "done"
	PhaseCanceled           Phase = "canceled"
	PhaseFailed             Phase = "failed"
)

// Disposition is how a run ended.
type Disposition string

const (
	Completed Disposition = "completed"
	Canceled  Disposition = "canceled"
	Failed    Disposition = "failed"
)

// Result is the outcome of Run. On cancellation Latents is the state after
// the last fully completed step, or nil if the loop never produced one.
type Result struct {
	Disposition        Disposition
	Latents            *tensor.Tensor
	StepsCompleted     int
	Schedule           []float64
	Guidance           []float64
	RestoredParameters int
}

// Run drives rc through the control loop. Cancellation is not an error: it
// yields a Result with Disposition Canceled and a nil error. Any other
// failure returns a non-nil error; the resource patch scope, if it was
// opened, has been closed and restored by the time Run returns.
func Run(rc *RunContext) (*Result, error) {
	res := &Result{}
	err := run(rc, res)
	res.Latents = rc.Latents
	res.Schedule = rc.Schedule
	res.Guidance = rc.Guidance
	res.RestoredParameters = rc.RestoredParameters

	switch {
	case err == nil:
		res.Disposition = Completed
		rc.setPhase(PhaseDone)
		return res, nil
	case errors.Is(err, ErrCanceled) && !errors.Is(err, ErrRestore):
		res.Disposition = Canceled
		rc.setPhase(PhaseCanceled)
		rc.Logger.Info("run canceled", "steps_completed", res.StepsCompleted)
		return res, nil
	default:
		res.Disposition = Failed
		rc.setPhase(PhaseFailed)
		return res, err
	}
}

func run(rc *RunContext, res *Result) error {
	m := rc.Extensions
	if m == nil {
		m = NewExtensionsManager(nil)
		rc.Extensions = m
	}
	if rc.Inputs == nil || rc.Inputs.Model == nil {
		return Validationf("model is required")
	}
	if rc.Core == nil {
		return fmt.Errorf("%w: no core for model type %q", ErrUnknownCore, rc.Inputs.Model.Type)
	}

	rc.setPhase(PhaseCompatibilityCheck)
	if err := m.AssertCompatibility(rc.Inputs.Model.Type); err != nil {
		return err
	}

	rc.setPhase(PhaseValidating)
	if err := m.CallValidate(rc); err != nil {
		if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConfig) && !errors.Is(err, ErrCanceled) {
			err = fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return err
	}
	if err := m.RunCallback(PointValidate, rc); err != nil {
		return err
	}

	rc.setPhase(PhaseScheduling)
	schedule, err := m.CallCalculateSchedule(rc)
	if err != nil {
		return err
	}
	if len(schedule) == 0 {
		return Configf("schedule is empty")
	}
	rc.Schedule = schedule

	guidance, err := m.CallPrepareGuidance(rc)
	if err != nil {
		return err
	}
	if len(guidance) != len(schedule) {
		return Configf("guidance has %d entries, schedule has %d", len(guidance), len(schedule))
	}
	rc.Guidance = guidance

	return m.WithResourcePatch(rc, func() error {
		rc.setPhase(PhaseInitializing)
		state, err := m.CallInitializeState(rc)
		if err != nil {
			return fmt.Errorf("initialize state: %w", err)
		}
		rc.Latents = state

		if err := m.RunCallback(PointPreLoop, rc); err != nil {
			return err
		}

		rc.setPhase(PhaseLooping)
		for i, t := range rc.Schedule {
			rc.StepIndex = i
			rc.Timestep = t
			if err := m.RunCallback(PointPreStep, rc); err != nil {
				return err
			}

			delta, err := m.CallPredictDelta(rc, rc.Latents, t, rc.Guidance[i], rc.Noise)
			if err != nil {
				return fmt.Errorf("step %d: predict: %w", i, err)
			}
			next, err := m.CallUpdateState(rc, rc.Latents, delta, t, i)
			if err != nil {
				return fmt.Errorf("step %d: update: %w", i, err)
			}
			rc.Latents = next
			res.StepsCompleted = i + 1
			publish(rc, i, t)

			if err := m.RunCallback(PointPostStep, rc); err != nil {
				return err
			}
		}

		rc.setPhase(PhaseFinalizing)
		return m.RunCallback(PointPostLoop, rc)
	})
}

func publish(rc *RunContext, i int, t float64) {
	if rc.Events == nil {
		return
	}
	ev := StepEvent{
		StepIndex: i,
		Total:     len(rc.Schedule),
		Timestep:  t,
		Guidance:  rc.Guidance[i],
	}
	if rc.Latents != nil {
		ev.LatentMean = rc.Latents.Mean()
		ev.LatentStd = rc.Latents.Std()
	}
	rc.Events.PublishStep(ev)
}
