package engine

import (
	"github.com/seantiz/unidenoise/internal/denoise"
)

// Default image size when a request omits it.
const (
	DefaultWidth  = 512
	DefaultHeight = 512
)

// RunRequest is the wire form of a run submission, shared by the HTTP API
// and the run-file CLI.
type RunRequest struct {
	Model          string                 `json:"model" yaml:"model"`
	Prompt         string                 `json:"prompt" yaml:"prompt"`
	NegativePrompt string                 `json:"negative_prompt,omitempty" yaml:"negative_prompt,omitempty"`
	Guidance       *denoise.Guidance      `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	Width          int                    `json:"width,omitempty" yaml:"width,omitempty"`
	Height         int                    `json:"height,omitempty" yaml:"height,omitempty"`
	Steps          int                    `json:"steps,omitempty" yaml:"steps,omitempty"`
	Seed           int64                  `json:"seed" yaml:"seed"`
	DenoisingStart float64                `json:"denoising_start,omitempty" yaml:"denoising_start,omitempty"`
	Latents        string                 `json:"latents,omitempty" yaml:"latents,omitempty"`
	Extensions     []denoise.ExtensionRef `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	TimeoutS       *int                   `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`
}

// withDefaults returns a copy of r with unset fields filled from opts.
func (r RunRequest) withDefaults(opts Options) RunRequest {
	if r.Width == 0 {
		r.Width = DefaultWidth
	}
	if r.Height == 0 {
		r.Height = DefaultHeight
	}
	if r.Steps == 0 {
		r.Steps = opts.DefaultSteps
	}
	if r.Guidance == nil {
		g := denoise.ScalarGuidance(opts.DefaultGuidance)
		r.Guidance = &g
	}
	if r.TimeoutS == nil || *r.TimeoutS <= 0 {
		t := opts.DefaultTimeoutS
		r.TimeoutS = &t
	}
	return r
}

// extensionNames lists the requested extensions in order.
func (r RunRequest) extensionNames() []string {
	names := make([]string, len(r.Extensions))
	for i, ref := range r.Extensions {
		names[i] = ref.Name
	}
	return names
}
