// Package logx is the logging layer: a thin Logger over zerolog with typed
// Field helpers, and a Service that swaps outputs on config reload.
//
// Console output uses a short timestamp and caller. File output is JSON.
// Lines at or above the remote min level are forwarded to a Sink (the
// operator chat), rate limited and never blocking the caller.
package logx
