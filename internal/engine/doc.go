// Package engine provides the run execution engine. It composes runs from
// the denoise registries and the model catalog, bounds concurrency, enforces
// timeouts and cancellation through context causes, and persists run
// records, step events and final latents to the store as they happen.
package engine
