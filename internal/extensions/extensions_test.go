package extensions_test

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/seantiz/unidenoise/internal/cores"
	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/extensions"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/synthetic"
)

func newRegistries(t *testing.T) *denoise.Registries {
	t.Helper()
	regs := denoise.NewRegistries()
	if err := cores.Register(regs); err != nil {
		t.Fatalf("cores.Register: %v", err)
	}
	if err := extensions.Register(regs); err != nil {
		t.Fatalf("extensions.Register: %v", err)
	}
	return regs
}

func newInputs(typ model.BaseModelType, refs ...denoise.ExtensionRef) *denoise.Inputs {
	return &denoise.Inputs{
		Model:      synthetic.NewModel("m", typ),
		Positive:   synthetic.Encode("harbor in fog"),
		Guidance:   denoise.ScalarGuidance(3),
		Width:      32,
		Height:     32,
		Steps:      5,
		Seed:       11,
		Extensions: refs,
	}
}

func scalarParam(t *testing.T, m *denoise.Model, key string) float32 {
	t.Helper()
	v, err := m.Weights.Parameter(key)
	if err != nil {
		t.Fatalf("Parameter(%s): %v", key, err)
	}
	return v.Data[0]
}

func TestLoRAPatchesAndRestores(t *testing.T) {
	regs := newRegistries(t)
	in := newInputs(model.TypeFlux,
		denoise.ExtensionRef{Name: extensions.NameLoRA, Kwargs: map[string]any{
			"weight": 0.5,
			"deltas": map[string]any{synthetic.KeyBias: 2},
		}},
		denoise.ExtensionRef{Name: extensions.NameStepStats},
	)

	var during []float32
	rc, err := regs.Prepare(in, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	probe := &probeExt{fn: func(rc *denoise.RunContext) error {
		during = append(during, scalarParam(t, rc.Inputs.Model, synthetic.KeyBias))
		return nil
	}}
	if err := rc.Extensions.AddExtension("probe", probe); err != nil {
		t.Fatalf("AddExtension: %v", err)
	}

	res, err := denoise.Run(rc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(during, []float32{1}) {
		t.Errorf("bias during loop = %v, want [1]", during)
	}
	if got := scalarParam(t, in.Model, synthetic.KeyBias); got != 0 {
		t.Errorf("bias after run = %f, want 0", got)
	}
	if res.RestoredParameters != 1 {
		t.Errorf("RestoredParameters = %d, want 1", res.RestoredParameters)
	}
}

func TestLoRAChangesOutput(t *testing.T) {
	regs := newRegistries(t)
	plain, err := regs.Execute(newInputs(model.TypeSD1), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	patched, err := regs.Execute(newInputs(model.TypeSD1, denoise.ExtensionRef{
		Name:   extensions.NameLoRA,
		Kwargs: map[string]any{"deltas": map[string]any{synthetic.KeyScale: 0.25}},
	}), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if plain.Latents.Equal(patched.Latents) {
		t.Error("lora did not change the result")
	}
}

func TestLoRAUnknownParameterFails(t *testing.T) {
	regs := newRegistries(t)
	in := newInputs(model.TypeFlux, denoise.ExtensionRef{
		Name:   extensions.NameLoRA,
		Kwargs: map[string]any{"deltas": map[string]any{"no.such": 1}},
	})
	res, err := regs.Execute(in, nil)
	if err == nil {
		t.Fatal("expected error for unknown parameter")
	}
	if res.Disposition != denoise.Failed {
		t.Errorf("Disposition = %s, want failed", res.Disposition)
	}
}

func TestOverlappingLoRAs(t *testing.T) {
	regs := newRegistries(t)
	lora := func(d float64) denoise.ExtensionRef {
		return denoise.ExtensionRef{Name: extensions.NameLoRA, Kwargs: map[string]any{
			"deltas": map[string]any{synthetic.KeyScale: d},
		}}
	}
	in := newInputs(model.TypeFlux, lora(0.25), lora(0.125))
	if _, err := regs.Execute(in, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := scalarParam(t, in.Model, synthetic.KeyScale); got != 0.5 {
		t.Errorf("scale after run = %f, want original 0.5", got)
	}
}

func TestGuidanceRamp(t *testing.T) {
	regs := newRegistries(t)
	in := newInputs(model.TypeFlux, denoise.ExtensionRef{
		Name:   extensions.NameGuidanceRamp,
		Kwargs: map[string]any{"start": 5, "end": 1},
	})
	res, err := regs.Execute(in, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []float64{5, 4, 3, 2, 1}
	if !slices.Equal(res.Guidance, want) {
		t.Errorf("Guidance = %v, want %v", res.Guidance, want)
	}
}

func TestCustomSchedule(t *testing.T) {
	regs := newRegistries(t)
	in := newInputs(model.TypeFlux, denoise.ExtensionRef{
		Name:   extensions.NameCustomSchedule,
		Kwargs: map[string]any{"timesteps": []any{1.0, 0.6, 0.2}},
	})
	res, err := regs.Execute(in, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(res.Schedule, []float64{1, 0.6, 0.2}) {
		t.Errorf("Schedule = %v", res.Schedule)
	}
	if res.StepsCompleted != 3 {
		t.Errorf("StepsCompleted = %d, want 3 (schedule length, not Steps)", res.StepsCompleted)
	}
}

func TestCustomScheduleCompatibility(t *testing.T) {
	regs := newRegistries(t)
	in := newInputs(model.TypeFlux, denoise.ExtensionRef{
		Name: extensions.NameCustomSchedule,
		Kwargs: map[string]any{
			"timesteps":   []any{900, 500, 100},
			"model_types": []any{"sd-1", "sdxl"},
		},
	})
	_, err := regs.Execute(in, nil)
	var incompat *denoise.IncompatibleModelError
	if !errors.As(err, &incompat) || incompat.Extension != extensions.NameCustomSchedule {
		t.Errorf("err = %v, want IncompatibleModelError for custom_schedule", err)
	}

	in.Model = synthetic.NewModel("sd", model.TypeSDXL)
	if _, err := regs.Execute(in, nil); err != nil {
		t.Errorf("sdxl run: %v", err)
	}
}

func TestScheduleSwapConflict(t *testing.T) {
	regs := newRegistries(t)
	ref := denoise.ExtensionRef{Name: extensions.NameCustomSchedule, Kwargs: map[string]any{"timesteps": []any{1, 0.5}}}
	_, err := regs.Execute(newInputs(model.TypeFlux, ref, ref), nil)
	if !errors.Is(err, denoise.ErrSwapConflict) {
		t.Errorf("err = %v, want ErrSwapConflict", err)
	}
}

func TestLatentClamp(t *testing.T) {
	regs := newRegistries(t)
	in := newInputs(model.TypeFlux, denoise.ExtensionRef{
		Name:   extensions.NameLatentClamp,
		Kwargs: map[string]any{"limit": 0.1},
	})
	res, err := regs.Execute(in, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, v := range res.Latents.Data {
		if math.Abs(float64(v)) > 0.1+1e-6 {
			t.Fatalf("latent %f exceeds limit", v)
		}
	}
}

func TestStepStats(t *testing.T) {
	regs := newRegistries(t)
	rc, err := regs.Prepare(newInputs(model.TypeSD2, denoise.ExtensionRef{Name: extensions.NameStepStats}), nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	res, err := denoise.Run(rc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := extensions.Stats(rc)
	if len(stats) != 5 {
		t.Fatalf("stats = %d entries, want 5", len(stats))
	}
	last := stats[len(stats)-1]
	if last.Step != 4 || last.Mean != res.Latents.Mean() {
		t.Errorf("last stat = %+v", last)
	}
}

func TestKwargsErrors(t *testing.T) {
	tests := []struct {
		name string
		ref  denoise.ExtensionRef
	}{
		{"lora without deltas", denoise.ExtensionRef{Name: extensions.NameLoRA}},
		{"unknown kwarg", denoise.ExtensionRef{Name: extensions.NameLatentClamp, Kwargs: map[string]any{"limt": 1}}},
		{"non-positive limit", denoise.ExtensionRef{Name: extensions.NameLatentClamp, Kwargs: map[string]any{"limit": 0}}},
		{"empty timesteps", denoise.ExtensionRef{Name: extensions.NameCustomSchedule}},
		{"bad model type", denoise.ExtensionRef{Name: extensions.NameCustomSchedule, Kwargs: map[string]any{
			"timesteps": []any{1}, "model_types": []any{"sd-9"},
		}}},
		{"negative ramp", denoise.ExtensionRef{Name: extensions.NameGuidanceRamp, Kwargs: map[string]any{"end": -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs := newRegistries(t)
			_, err := regs.Prepare(newInputs(model.TypeFlux, tt.ref), nil)
			if !errors.Is(err, denoise.ErrConfig) {
				t.Errorf("err = %v, want ErrConfig", err)
			}
		})
	}
}

// probeExt runs fn at PreLoop.
type probeExt struct {
	denoise.Base
	fn denoise.CallbackFunc
}

func (p *probeExt) Callbacks() []denoise.Callback {
	return []denoise.Callback{{Point: denoise.PointPreLoop, Fn: p.fn}}
}

func (p *probeExt) CompatibleModelTypes() []model.BaseModelType {
	return []model.BaseModelType{model.TypeAny}
}
