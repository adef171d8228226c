package log

import (
	"fmt"
	stdlog "log"
	"strings"
)

// Config declares a logger in terms of level and format names, suitable for
// flags and environment variables.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("log: unknown level %q", s)
}

// ApplyConfig builds a Logger from a declarative Config.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		formatter = &JSONFormatter{}
	case "text", "":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	return NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(NewConsoleOutput())), nil
}

// redirectWriter adapts a Logger to io.Writer for the stdlib log package.
type redirectWriter struct {
	logger Logger
}

func (w redirectWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Info(msg, Component("stdlog"))
	}
	return len(p), nil
}

// RedirectStdLog routes standard library log output (used by Pebble among
// others) through the given Logger.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(redirectWriter{logger: logger})
}
