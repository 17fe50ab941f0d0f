// Package log provides structured protocol capture for multiplexed
// connections.
//
// It is separate from operational logging (slog). A Logger receives one
// Event per frame sent or received, per lifecycle change of a connection,
// handshake or channel, and per protocol error, giving a machine-readable
// trace of a session.
//
// # Basic Usage
//
//	// Development: frames to the console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Capture to a file for devlink-log
//	fl, _ := log.NewFileLogger("/tmp/session.plog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Capture files are a sequence of CBOR-encoded events with integer map keys
// and the .plog extension. Use Open or NewReader to iterate
// over them.
package log
