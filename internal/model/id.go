package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a run identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewLatentsName generates the storage name for a run's final latent state.
func NewLatentsName(runID string) string {
	return "latents_" + runID + "_" + ulid.Make().String()
}
