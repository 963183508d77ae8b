// Package builtin wires the built-in cores, extensions and models together.
package builtin

import (
	"errors"

	"github.com/seantiz/unidenoise/internal/cores"
	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/extensions"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/registry"
	"github.com/seantiz/unidenoise/internal/synthetic"
)

// Catalog resolves model references by name.
type Catalog = registry.Registry[*denoise.Model]

// Register adds every built-in core and extension to regs.
func Register(regs *denoise.Registries) error {
	return errors.Join(cores.Register(regs), extensions.Register(regs))
}

// ModelName returns the catalog name of the synthetic model for t.
func ModelName(t model.BaseModelType) string {
	return "synthetic-" + string(t)
}

// NewCatalog returns a catalog holding one synthetic model per model type.
func NewCatalog() *Catalog {
	c := registry.New[*denoise.Model]("model")
	for _, t := range model.ModelTypes {
		c.MustRegister(ModelName(t), synthetic.NewModel(ModelName(t), t))
	}
	return c
}
