// Package asm holds the architecture-neutral pieces of the small assemblers
// used to build guest programs: fragments, labels and the emitted program.
package asm

import (
	"fmt"
)

// Variable names a machine register.
type Variable int

// Context receives the output of fragments.
type Context interface {
	EmitBytes(data []byte)
	// Offset is the number of bytes emitted so far.
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
	// Fixup defers patching the bytes at offset until label is placed.
	Fixup(label Label, offset int, patch Patch)
}

// Patch rewrites code in place once the target of a label reference is
// known. at is the offset of the referencing instruction.
type Patch func(code []byte, at, target int) error

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type Program struct {
	code   []byte
	labels map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

// LabelOffset returns the byte offset of a label defined in the program.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

func NewProgram(code []byte, labels map[Label]int) Program {
	copied := make(map[Label]int, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return Program{
		code:   append([]byte(nil), code...),
		labels: copied,
	}
}
