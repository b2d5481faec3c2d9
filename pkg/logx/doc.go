// Package logx is the host's structured logger, a thin layer over zerolog.
//
// Console lines are human-readable with a short caller and go to stderr, so
// command output on stdout stays machine-readable. The optional file sink is
// JSON. A Logger obtained from a Service follows later Service.Apply calls.
package logx
