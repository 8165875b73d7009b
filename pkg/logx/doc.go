// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a small Logger value with variadic Field options, a no-op
// logger for tests, and a Service that can swap sinks and levels at
// runtime when the config file changes.
package logx
