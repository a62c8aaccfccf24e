// Package logx is medremind's structured logging: a thin Logger over
// zerolog plus a Service whose level and sinks (console, JSON stdout, file)
// can be swapped on config reload. Components tag entries with
// String("comp", ...); store mutations add Owner.
package logx
