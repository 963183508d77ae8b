package denoise

import (
	"errors"
	"fmt"

	"github.com/seantiz/unidenoise/internal/model"
)

// Sentinel errors for run composition and execution. Use errors.Is to
// classify; typed errors below carry details and match their sentinel.
var (
	// Composition errors, reported before any work starts.
	ErrUnknownCore        = errors.New("denoise: unknown core")
	ErrUnknownExtension   = errors.New("denoise: unknown extension")
	ErrSwapConflict       = errors.New("denoise: swap conflict")
	ErrInvalidDeclaration = errors.New("denoise: invalid extension declaration")

	// Pre-loop errors. No resource patch is ever open when these occur.
	ErrIncompatibleModel = errors.New("denoise: extension incompatible with model")
	ErrValidation        = errors.New("denoise: validation failed")
	ErrConfig            = errors.New("denoise: invalid configuration")

	// ErrCanceled is returned by RunCallback when the cancellation predicate
	// is observed true.
	ErrCanceled = errors.New("denoise: run canceled")

	// ErrRestore marks a failure to write original parameters back.
	ErrRestore = errors.New("denoise: resource restore failed")
)

// IncompatibleModelError names the first attached extension that does not
// declare support for the run's model type.
type IncompatibleModelError struct {
	Extension string
	ModelType model.BaseModelType
}

func (e *IncompatibleModelError) Error() string {
	return fmt.Sprintf("extension %q is not compatible with model type %q", e.Extension, e.ModelType)
}

// Is allows errors.Is(err, denoise.ErrIncompatibleModel).
func (e *IncompatibleModelError) Is(target error) bool {
	return target == ErrIncompatibleModel
}

// SwapConflictError reports two extensions claiming the same core function.
type SwapConflictError struct {
	Function Function
	Owner    string
	Claimant string
}

func (e *SwapConflictError) Error() string {
	return fmt.Sprintf("function %q is already swapped by extension %q; %q cannot swap it",
		e.Function, e.Owner, e.Claimant)
}

// Is allows errors.Is(err, denoise.ErrSwapConflict).
func (e *SwapConflictError) Is(target error) bool {
	return target == ErrSwapConflict
}

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configf returns an error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
