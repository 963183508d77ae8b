// Package denoise implements the sampling control loop and its plugin
// surface.
//
// A run pairs a Core, selected from a Registries by the model's base type,
// with the Extensions requested in its Inputs. Extensions influence the run
// in three ways: callbacks at named points, swaps that replace one core
// operation for the whole run, and a scoped resource patch that changes model
// weights for the duration of the loop and restores them afterwards.
//
// Run proceeds through fixed phases:
//
//	compatibility check -> validating -> scheduling -> initializing
//	-> looping -> finalizing -> done
//
// Cancellation is polled at every callback point and before the patch scope
// opens. A canceled run returns the state of its last completed step.
package denoise
