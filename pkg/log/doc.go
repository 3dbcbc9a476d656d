// Package log provides relayd's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that feeds a formatter/outputs
// pipeline, so output stays consistent across the codebase.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("relay"), log.Str("peer", addr))
//	l.Info("subscribe started", log.Uint32("replica_id", 2))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config, supporting JSON
// or text formatting, multiple outputs (console, file, null), key redaction
// and per-message sampling.
//
// # Interop
//
// The printf-style methods satisfy Pebble's logger interface. To integrate
// with code expecting *log.Logger, use ToStdLogger or RedirectStdLog.
package log
