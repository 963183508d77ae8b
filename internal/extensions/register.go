// Package extensions provides the built-in run extensions.
package extensions

import (
	"errors"

	"github.com/seantiz/unidenoise/internal/denoise"
)

// Extension names.
const (
	NameLoRA           = "lora"
	NameGuidanceRamp   = "guidance_ramp"
	NameCustomSchedule = "custom_schedule"
	NameLatentClamp    = "latent_clamp"
	NameStepStats      = "step_stats"
)

// Register adds every built-in extension to regs.
func Register(regs *denoise.Registries) error {
	return errors.Join(
		regs.RegisterExtension(NameLoRA, NewLoRA),
		regs.RegisterExtension(NameGuidanceRamp, NewGuidanceRamp),
		regs.RegisterExtension(NameCustomSchedule, NewCustomSchedule),
		regs.RegisterExtension(NameLatentClamp, NewLatentClamp),
		regs.RegisterExtension(NameStepStats, NewStepStats),
	)
}
