package denoise

import (
	"fmt"
	"log/slog"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/registry"
)

// Registries pairs the core and extension registries. They are separate
// namespaces: a core tag never resolves an extension and vice versa.
type Registries struct {
	Cores      *registry.Registry[CoreFactory]
	Extensions *registry.Registry[ExtensionFactory]
}

// NewRegistries returns empty registries. Tests should use their own
// instance rather than Default.
func NewRegistries() *Registries {
	return &Registries{
		Cores:      registry.New[CoreFactory]("core"),
		Extensions: registry.New[ExtensionFactory]("extension"),
	}
}

// Default is the process-wide registry set.
var Default = NewRegistries()

// Reset empties both registries.
func (r *Registries) Reset() {
	r.Cores.Reset()
	r.Extensions.Reset()
}

// RegisterCore registers a core factory in Default.
func RegisterCore(tag string, f CoreFactory) error {
	return Default.RegisterCore(tag, f)
}

// RegisterExtension registers an extension factory in Default.
func RegisterExtension(name string, f ExtensionFactory) error {
	return Default.RegisterExtension(name, f)
}

// RegisterCore adds a core factory under a model-type tag.
func (r *Registries) RegisterCore(tag string, f CoreFactory) error {
	if f == nil {
		return fmt.Errorf("core %q: nil factory", tag)
	}
	return r.Cores.Register(tag, f)
}

// RegisterExtension adds an extension factory under name.
func (r *Registries) RegisterExtension(name string, f ExtensionFactory) error {
	if f == nil {
		return fmt.Errorf("extension %q: nil factory", name)
	}
	return r.Extensions.Register(name, f)
}

// NewCore constructs the core registered for the given model type.
func (r *Registries) NewCore(t model.BaseModelType, canceled func() bool) (Core, error) {
	f, err := r.Cores.Resolve(string(t))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownCore, err)
	}
	return f(canceled), nil
}

// RunOption configures a run prepared by Prepare.
type RunOption func(*RunContext)

// WithLogger sets the run's logger.
func WithLogger(l *slog.Logger) RunOption {
	return func(rc *RunContext) {
		if l != nil {
			rc.Logger = l
		}
	}
}

// WithEvents sets the run's step event sink.
func WithEvents(sink EventSink) RunOption {
	return func(rc *RunContext) {
		rc.Events = sink
	}
}

// Prepare composes a run: it selects the core for the model type, creates
// the extensions manager and instantiates every requested extension against
// the new context. Composition errors are returned before any work starts.
func (r *Registries) Prepare(inputs *Inputs, canceled func() bool, opts ...RunOption) (*RunContext, error) {
	if inputs == nil || inputs.Model == nil {
		return nil, Validationf("model is required")
	}

	core, err := r.NewCore(inputs.Model.Type, canceled)
	if err != nil {
		return nil, err
	}

	mgr := NewExtensionsManager(canceled)
	rc := NewRunContext(inputs, core, mgr, nil)
	for _, opt := range opts {
		opt(rc)
	}

	for _, ref := range inputs.Extensions {
		if err := mgr.AddExtensionFromRef(r.Extensions, ref, rc); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// Execute prepares and runs in one call.
func (r *Registries) Execute(inputs *Inputs, canceled func() bool, opts ...RunOption) (*Result, error) {
	rc, err := r.Prepare(inputs, canceled, opts...)
	if err != nil {
		return nil, err
	}
	return Run(rc)
}
