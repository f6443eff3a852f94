// Package logx is phasehost's logging layer: a value-type Logger over
// zerolog plus a Service whose sinks can be swapped while the host runs.
//
// Sinks:
//   - console, human readable with a short caller
//   - JSON lines file
//   - event bus ("log.line"), filtered by min level and rate limited, so
//     metrics and diagnostics can follow warnings such as slow contributions
//
// The zero Logger discards everything.
package logx
