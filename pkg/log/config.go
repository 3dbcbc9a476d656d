package log

import (
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"strings"
)

// Config declares a logger.
type Config struct {
	Level  string `json:"level" yaml:"level"`   // debug|info|warn|error
	Format string `json:"format" yaml:"format"` // text|json
	// Outputs lists sinks: "console", "null" or a file path. Empty means console.
	Outputs    []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	ShowCaller bool     `json:"show_caller,omitempty" yaml:"show_caller,omitempty"`
	// Redact replaces the values of these keys with [REDACTED].
	Redact []string `json:"redact,omitempty" yaml:"redact,omitempty"`
	// SampleInitial/SampleThereafter log the first N occurrences of a message
	// and then every Mth. Zero disables sampling.
	SampleInitial    int `json:"sample_initial,omitempty" yaml:"sample_initial,omitempty"`
	SampleThereafter int `json:"sample_thereafter,omitempty" yaml:"sample_thereafter,omitempty"`
}

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(lvl)}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts = append(opts, WithFormatter(&TextFormatter{ShowCaller: cfg.ShowCaller}))
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{ShowCaller: cfg.ShowCaller}))
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	for _, o := range cfg.Outputs {
		switch o {
		case "console", "stderr":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "null":
			opts = append(opts, WithOutput(NullOutput{}))
		default:
			fo, err := NewFileOutput(o)
			if err != nil {
				return nil, fmt.Errorf("log: open %s: %w", o, err)
			}
			opts = append(opts, WithOutput(fo))
		}
	}
	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(cfg.Redact).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}

// RedirectStdLog routes the standard library logger through l at info
// level and returns a function restoring the previous destination.
func RedirectStdLog(l Logger) func() {
	prevOut := stdlog.Writer()
	prevFlags := stdlog.Flags()
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdWriter{l: l})
	return func() {
		stdlog.SetOutput(prevOut)
		stdlog.SetFlags(prevFlags)
	}
}

// ToStdLogger adapts l for APIs that take a *log.Logger.
func ToStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(&stdWriter{l: l}, "", 0)
}

type stdWriter struct{ l Logger }

var _ io.Writer = (*stdWriter)(nil)

func (w *stdWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
