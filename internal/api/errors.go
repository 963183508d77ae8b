package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/engine"
	"github.com/seantiz/unidenoise/internal/registry"
	"github.com/seantiz/unidenoise/internal/store"
)

// statusFor maps engine and composition errors to an HTTP status. The
// denoise sentinels are checked first because unknown-extension errors also
// wrap registry.ErrNotFound.
func statusFor(err error) int {
	switch {
	case errors.Is(err, denoise.ErrValidation),
		errors.Is(err, denoise.ErrConfig),
		errors.Is(err, denoise.ErrIncompatibleModel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, denoise.ErrSwapConflict),
		errors.Is(err, engine.ErrRunFinished),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnknownModel),
		errors.Is(err, denoise.ErrUnknownCore),
		errors.Is(err, denoise.ErrUnknownExtension),
		errors.Is(err, denoise.ErrInvalidDeclaration),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with its mapped status. Server errors are
// logged and their detail withheld from the client.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, op+" failed")
		return
	}
	s.writeError(w, status, err.Error())
}
