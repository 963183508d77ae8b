// Package cores provides the built-in sampling cores: a flow-matching Euler
// core for flux, sd-3 and cogview4, and a DDIM core for the SD families.
package cores
