// Package registry provides the generic tag → value mapping used
// for denoise cores, extensions and model references. Each registry is an
// independent namespace; registering a tag twice fails loudly.
package registry
