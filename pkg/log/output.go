package log

import (
	"io"
	"os"
	"path/filepath"
)

// ConsoleOutput writes to stderr, or to W when set.
type ConsoleOutput struct {
	W io.Writer
}

// NewConsoleOutput returns a ConsoleOutput writing to stderr.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{W: os.Stderr} }

func (o *ConsoleOutput) Write(_ *Entry, b []byte) error {
	w := o.W
	if w == nil {
		w = os.Stderr
	}
	_, err := w.Write(b)
	return err
}

func (o *ConsoleOutput) Close() error { return nil }

// FileOutput appends to a file, creating parent directories as needed.
type FileOutput struct {
	f *os.File
}

// NewFileOutput opens path for appending.
func NewFileOutput(path string) (*FileOutput, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{f: f}, nil
}

func (o *FileOutput) Write(_ *Entry, b []byte) error {
	_, err := o.f.Write(b)
	return err
}

func (o *FileOutput) Close() error { return o.f.Close() }

// NullOutput discards everything. Useful in tests.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(FatalLevel), WithOutput(NullOutput{}))
}
