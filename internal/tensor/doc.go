// Package tensor holds the minimal dense tensor used as latent state, noise
// and model parameters. Numeric work is expected to live with the external
// model collaborator; this type only carries values between loop stages.
package tensor
