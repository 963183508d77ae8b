// Package weights holds model parameters and the per-run Ledger that
// guarantees every patched parameter is written back to its pre-run value
// exactly once.
package weights
