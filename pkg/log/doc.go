// Package log provides structured protocol logging for FrameLink.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (wire, engine, router). It is
// separate from operational logging (slog) - protocol capture provides a
// complete machine-readable trace of a handshake for debugging and
// analysis, including the discarded envelopes that never surface as
// errors.
//
// # Basic Usage
//
// Endpoints configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Logger, _ = log.NewFileLogger("/var/log/framelink/outer.flog")
//
//	// Both: use MultiLogger
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Log files use CBOR encoding with integer keys, .flog extension. The
// Reader type streams events back with optional filtering.
package log
