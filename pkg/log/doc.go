// Package log provides grubq's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that feeds a
// formatter/output pipeline, so output stays consistent across the codebase
// while remaining interoperable with the slog ecosystem.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("server"))
//	l.Info("server started", log.Str("addr", ":8080"))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config with level and
// format names, suitable for flags and environment variables.
//
// # Interop
//
// RedirectStdLog routes standard library log output (used by Pebble) through
// a Logger so every line of process output shares one format.
package log
