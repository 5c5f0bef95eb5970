// Package console is the byte sink hypervisor diagnostics are written to.
package console

import (
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const (
	sgrBold  = "\x1b[1m"
	sgrRed   = "\x1b[31m"
	sgrReset = "\x1b[m"
)

// Alert highlights s for a terminal. Sinks that are not terminals strip the
// escapes again.
func Alert(s string) string { return sgrBold + sgrRed + s + sgrReset }

// Bold renders s in bold.
func Bold(s string) string { return sgrBold + s + sgrReset }

// Sink serializes writes to w and removes ANSI escape sequences unless w is
// a terminal.
type Sink struct {
	mu  sync.Mutex
	w   io.Writer
	tty bool
}

type fdWriter interface {
	io.Writer
	Fd() uintptr
}

// New returns a sink for w, detecting whether w is a terminal.
func New(w io.Writer) *Sink {
	tty := false
	if f, ok := w.(fdWriter); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &Sink{w: w, tty: tty}
}

// NewWithTTY returns a sink that trusts the caller about w being a terminal.
func NewWithTTY(w io.Writer, tty bool) *Sink { return &Sink{w: w, tty: tty} }

// TTY reports whether escapes are passed through.
func (s *Sink) TTY() bool { return s.tty }

// Write implements io.Writer. It reports len(p) on success even when escape
// sequences were removed.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := p
	if !s.tty {
		out = []byte(ansi.Strip(string(p)))
	}
	if _, err := s.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString writes str.
func (s *Sink) WriteString(str string) (int, error) { return s.Write([]byte(str)) }
