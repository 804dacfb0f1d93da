// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured
// JSON logging with configurable log levels, and carries loggers and request
// IDs through context.Context so workers and handlers share one set of fields.
package logger
