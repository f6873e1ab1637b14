// Package logging builds the application's slog loggers.
//
// Two output formats are supported: a compact console format for
// interactive use and JSON for log files. Helpers mirror the slog attr
// constructors so call sites stay terse, and NewComponentLogger tags a
// logger with the subsystem that owns it.
package logging
