// Package logging builds slog loggers and shared attribute helpers.
package logging
