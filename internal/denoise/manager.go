package denoise

import (
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/registry"
	"github.com/seantiz/unidenoise/internal/tensor"
	"github.com/seantiz/unidenoise/internal/weights"
)

type attachedExtension struct {
	name      string
	ext       Extension
	callbacks []Callback
	swaps     []Swap
}

type registeredCallback struct {
	extension string
	index     int // insertion order across all extensions
	cb        Callback
}

type swapEntry struct {
	owner string
	fn    any
}

// ExtensionsManager owns the extensions attached to one run. It dispatches
// callbacks, resolves swaps and manages the resource patch scope. It is not
// safe for concurrent use; a run executes on a single goroutine.
type ExtensionsManager struct {
	canceled   func() bool
	extensions []*attachedExtension
	callbacks  map[CallbackPoint][]registeredCallback
	swaps      map[Function]swapEntry
	added      int
}

// NewExtensionsManager returns an empty manager. canceled may be nil.
func NewExtensionsManager(canceled func() bool) *ExtensionsManager {
	return &ExtensionsManager{
		canceled:  canceled,
		callbacks: make(map[CallbackPoint][]registeredCallback),
		swaps:     make(map[Function]swapEntry),
	}
}

// Canceled evaluates the cancellation predicate.
func (m *ExtensionsManager) Canceled() bool {
	return m.canceled != nil && m.canceled()
}

// Extensions returns the names of attached extensions in add order.
func (m *ExtensionsManager) Extensions() []string {
	names := make([]string, len(m.extensions))
	for i, a := range m.extensions {
		names[i] = a.name
	}
	return names
}

// AddExtension attaches ext under name. Declarations are read once and
// validated before anything is registered, so a rejected extension leaves
// the manager unchanged.
func (m *ExtensionsManager) AddExtension(name string, ext Extension) error {
	if ext == nil {
		return fmt.Errorf("%w: extension %q is nil", ErrInvalidDeclaration, name)
	}

	callbacks := ext.Callbacks()
	for _, cb := range callbacks {
		if !validPoint(cb.Point) {
			return fmt.Errorf("%w: extension %q: unknown callback point %q", ErrInvalidDeclaration, name, cb.Point)
		}
		if cb.Fn == nil {
			return fmt.Errorf("%w: extension %q: nil callback at %q", ErrInvalidDeclaration, name, cb.Point)
		}
	}

	declared := ext.Swaps()
	swaps := make([]Swap, 0, len(declared))
	seen := make(map[Function]bool, len(declared))
	for _, s := range declared {
		norm, ok := normalizeSwap(s)
		if !ok {
			return fmt.Errorf("%w: extension %q: invalid swap for %q", ErrInvalidDeclaration, name, s.Function)
		}
		if seen[s.Function] {
			return fmt.Errorf("%w: extension %q swaps %q twice", ErrInvalidDeclaration, name, s.Function)
		}
		seen[s.Function] = true
		if cur, taken := m.swaps[s.Function]; taken {
			return &SwapConflictError{Function: s.Function, Owner: cur.owner, Claimant: name}
		}
		swaps = append(swaps, norm)
	}

	m.extensions = append(m.extensions, &attachedExtension{
		name:      name,
		ext:       ext,
		callbacks: callbacks,
		swaps:     swaps,
	})
	for _, cb := range callbacks {
		m.callbacks[cb.Point] = append(m.callbacks[cb.Point], registeredCallback{
			extension: name,
			index:     m.added,
			cb:        cb,
		})
		m.added++
	}
	for _, cbs := range m.callbacks {
		slices.SortStableFunc(cbs, func(a, b registeredCallback) int {
			if a.cb.Order != b.cb.Order {
				return a.cb.Order - b.cb.Order
			}
			return a.index - b.index
		})
	}
	for _, s := range swaps {
		m.swaps[s.Function] = swapEntry{owner: name, fn: s.Fn}
	}
	return nil
}

// AddExtensionFromRef resolves ref in reg, constructs the extension against
// rc and attaches it.
func (m *ExtensionsManager) AddExtensionFromRef(reg *registry.Registry[ExtensionFactory], ref ExtensionRef, rc *RunContext) error {
	factory, err := reg.Resolve(ref.Name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownExtension, err)
	}
	ext, err := factory(rc, ref.Kwargs)
	if err != nil {
		return fmt.Errorf("extension %q: %w", ref.Name, err)
	}
	return m.AddExtension(ref.Name, ext)
}

// RegisterSwap claims a function for an attached extension after
// composition, typically once RemoveSwap has released it.
func (m *ExtensionsManager) RegisterSwap(ext string, s Swap) error {
	if !slices.ContainsFunc(m.extensions, func(a *attachedExtension) bool { return a.name == ext }) {
		return fmt.Errorf("%w: extension %q is not attached", ErrInvalidDeclaration, ext)
	}
	norm, ok := normalizeSwap(s)
	if !ok {
		return fmt.Errorf("%w: extension %q: invalid swap for %q", ErrInvalidDeclaration, ext, s.Function)
	}
	if cur, taken := m.swaps[s.Function]; taken {
		return &SwapConflictError{Function: s.Function, Owner: cur.owner, Claimant: ext}
	}
	m.swaps[s.Function] = swapEntry{owner: ext, fn: norm.Fn}
	return nil
}

// RemoveSwap releases fn if ext currently owns it.
func (m *ExtensionsManager) RemoveSwap(fn Function, ext string) bool {
	cur, ok := m.swaps[fn]
	if !ok || cur.owner != ext {
		return false
	}
	delete(m.swaps, fn)
	return true
}

// SwapOwner returns the extension that swapped fn, if any.
func (m *ExtensionsManager) SwapOwner(fn Function) (string, bool) {
	cur, ok := m.swaps[fn]
	return cur.owner, ok
}

// AssertCompatibility returns an IncompatibleModelError for the first
// attached extension, in add order, that does not support t.
func (m *ExtensionsManager) AssertCompatibility(t model.BaseModelType) error {
	for _, a := range m.extensions {
		if !model.Supports(a.ext.CompatibleModelTypes(), t) {
			return &IncompatibleModelError{Extension: a.name, ModelType: t}
		}
	}
	return nil
}

// RunCallback polls cancellation, then runs every callback registered at
// point in order. The first error aborts the point.
func (m *ExtensionsManager) RunCallback(point CallbackPoint, rc *RunContext) error {
	if m.Canceled() {
		return ErrCanceled
	}
	for _, r := range m.callbacks[point] {
		if err := r.cb.Fn(rc); err != nil {
			return fmt.Errorf("extension %q at %s: %w", r.extension, point, err)
		}
	}
	return nil
}

// swappable returns the swap registered for fn, or def.
func swappable[F any](m *ExtensionsManager, fn Function, def F) F {
	if cur, ok := m.swaps[fn]; ok {
		if f, ok := cur.fn.(F); ok {
			return f
		}
	}
	return def
}

// CallValidate runs the active validate implementation.
func (m *ExtensionsManager) CallValidate(rc *RunContext) error {
	return swappable[ValidateFunc](m, FnValidate, rc.Core.Validate)(rc)
}

// CallCalculateSchedule runs the active schedule implementation.
func (m *ExtensionsManager) CallCalculateSchedule(rc *RunContext) ([]float64, error) {
	return swappable[ScheduleFunc](m, FnCalculateSchedule, rc.Core.CalculateSchedule)(rc)
}

// CallPrepareGuidance runs the active guidance implementation.
func (m *ExtensionsManager) CallPrepareGuidance(rc *RunContext) ([]float64, error) {
	return swappable[GuidanceFunc](m, FnPrepareGuidance, rc.Core.PrepareGuidance)(rc)
}

// CallInitializeState runs the active state initializer.
func (m *ExtensionsManager) CallInitializeState(rc *RunContext) (*tensor.Tensor, error) {
	return swappable[InitializeFunc](m, FnInitializeState, rc.Core.InitializeState)(rc)
}

// CallPredictDelta runs the active delta predictor.
func (m *ExtensionsManager) CallPredictDelta(rc *RunContext, state *tensor.Tensor, timestep, guidance float64, noise *tensor.Tensor) (*tensor.Tensor, error) {
	return swappable[PredictFunc](m, FnPredictDelta, rc.Core.PredictDelta)(rc, state, timestep, guidance, noise)
}

// CallUpdateState runs the active state update.
func (m *ExtensionsManager) CallUpdateState(rc *RunContext, state, delta *tensor.Tensor, timestep float64, stepIndex int) (*tensor.Tensor, error) {
	return swappable[UpdateFunc](m, FnUpdateState, rc.Core.UpdateState)(rc, state, delta, timestep, stepIndex)
}

// WithResourcePatch opens the resource patch scope, runs body and closes
// the scope. Every extension implementing ResourcePatcher patches in add
// order; release funcs run in reverse, then every recorded parameter is
// written back exactly once. Restoration happens on success, error and
// cancellation alike. A restore failure is returned wrapped in ErrRestore,
// joined with any body error.
func (m *ExtensionsManager) WithResourcePatch(rc *RunContext, body func() error) (err error) {
	if m.Canceled() {
		return ErrCanceled
	}

	ledger := weights.NewLedger()
	rc.Ledger = ledger
	params := rc.parameters()

	defer func() {
		n, rerr := ledger.Restore(params)
		rc.RestoredParameters = n
		rc.Ledger = nil
		if rerr != nil {
			rc.Logger.Error("resource restore failed", "error", rerr, "restored", n)
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrRestore, rerr))
			return
		}
		if n > 0 {
			rc.Logger.Debug("resource patch restored", "parameters", n)
		}
	}()

	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()

	for _, a := range m.extensions {
		p, ok := a.ext.(ResourcePatcher)
		if !ok {
			continue
		}
		release, perr := p.PatchResource(rc, ledger)
		if release != nil {
			releases = append(releases, release)
		}
		if perr != nil {
			return fmt.Errorf("extension %q patch: %w", a.name, perr)
		}
	}

	return body()
}
