// Package logging configures the process-wide slog logger.
//
// Text format renders a compact colorized line per record; JSON format uses
// slog's JSON handler. When a log file is configured every record is also
// written as JSON to that file, rotated by size.
//
// Components derive their own logger with logger.With("component", name).
package logging
