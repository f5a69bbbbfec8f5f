// Package logger provides structured logging functionality for the
// application: slog setup from configuration and a context carrier so
// request- and job-scoped loggers flow through store and handler code.
package logger
