package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes formatted entries to stdout, with WarnLevel and above
// going to stderr.
type ConsoleOutput struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// NewConsoleOutput creates a ConsoleOutput bound to the process streams.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{stdout: os.Stdout, stderr: os.Stderr}
}

// Write implements Output.
func (o *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := o.stdout
	if entry.Level >= WarnLevel {
		w = o.stderr
	}
	_, err := w.Write(formatted)
	return err
}

// Close implements Output. Process streams are not closed.
func (o *ConsoleOutput) Close() error { return nil }

// WriterOutput writes formatted entries to an arbitrary io.Writer. Used by
// tests and by the stdlib log redirect.
type WriterOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterOutput creates a WriterOutput.
func NewWriterOutput(w io.Writer) *WriterOutput { return &WriterOutput{w: w} }

// Write implements Output.
func (o *WriterOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(formatted)
	return err
}

// Close implements Output.
func (o *WriterOutput) Close() error { return nil }
