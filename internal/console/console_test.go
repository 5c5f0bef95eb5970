package console

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func TestSinkStripsEscapesForPipes(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	if s.TTY() {
		t.Fatalf("bytes.Buffer detected as a terminal")
	}
	line := fmt.Sprintf("trap: %s at %s\n", Alert("guest page fault"), Bold("0x80200000"))
	n, err := s.WriteString(line)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(line) {
		t.Fatalf("n = %d, want %d", n, len(line))
	}
	if got := buf.String(); got != "trap: guest page fault at 0x80200000\n" {
		t.Fatalf("got %q", got)
	}
}

func TestSinkKeepsEscapesForTerminals(t *testing.T) {
	var buf bytes.Buffer
	s := NewWithTTY(&buf, true)
	line := Alert("halt")
	if _, err := s.WriteString(line); err != nil {
		t.Fatal(err)
	}
	if buf.String() != line {
		t.Fatalf("escapes removed: %q", buf.String())
	}
}

func TestSinkOnRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "console")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if New(f).TTY() {
		t.Fatalf("regular file detected as a terminal")
	}
}
