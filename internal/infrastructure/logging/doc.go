// Package logging provides structured logging for the device manager.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text for local work, and a fixed set of default fields
// (service, version) on every entry.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log pre-shared keys, sealing secrets or bearer tokens.
package logging
