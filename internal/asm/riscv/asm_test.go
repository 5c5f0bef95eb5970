package riscv

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/tinyrange/rvh/internal/asm"
)

func words(t *testing.T, frags ...asm.Fragment) []uint32 {
	t.Helper()
	prog, err := EmitProgram(asm.Group(frags))
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	code := prog.Bytes()
	if len(code)%4 != 0 {
		t.Fatalf("program length %d is not a multiple of 4", len(code))
	}
	out := make([]uint32, len(code)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return out
}

func TestEncodings(t *testing.T) {
	for _, tc := range []struct {
		name string
		frag asm.Fragment
		want uint32
	}{
		{"li a0, 10", MovImmediate(A0, 10), 0x00a00513},
		{"li a1, 3", MovImmediate(A1, 3), 0x00300593},
		{"add a2, a0, a1", Add(A2, A0, A1), 0x00b50633},
		{"sub a3, a0, a1", Sub(A3, A0, A1), 0x40b506b3},
		{"and a4, a0, a1", And(A4, A0, A1), 0x00b57733},
		{"or a5, a0, a1", Or(A5, A0, A1), 0x00b567b3},
		{"xor a6, a0, a1", Xor(A6, A0, A1), 0x00b54833},
		{"lui a0, 0x10000", Lui(A0, 0x10000), 0x10000537},
		{"sb a1, 0(a0)", Sb(A0, A1, 0), 0x00b50023},
		{"sw zero, 0(a0)", Sw(A0, Zero, 0), 0x00052023},
		{"ecall", Ecall(), 0x00000073},
		{"sret", Sret(), 0x10200073},
		{"csrr a0, sstatus", Csrr(A0, 0x100), 0x10002573},
		{"csrw stvec, t0", Csrw(0x105, T0), 0x10529073},
	} {
		got := words(t, tc.frag)
		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("%s = %#08x, want %#08x", tc.name, got, tc.want)
		}
	}
}

func TestBranchFixups(t *testing.T) {
	got := words(t,
		Bne(A0, A1, "skip"),
		Nop(),
		asm.MarkLabel("skip"),
		asm.MarkLabel("self"),
		J("self"),
	)
	want := []uint32{0x00b51463, 0x00000013, 0x0000006f}
	if len(got) != len(want) {
		t.Fatalf("got %d words, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %#08x, want %#08x", i, got[i], want[i])
		}
	}
}

func TestBackwardBranch(t *testing.T) {
	got := words(t,
		asm.MarkLabel("loop"),
		AddRegImm(A0, -1),
		Bne(A0, Zero, "loop"),
	)
	// bne a0, zero, -4
	if got[1] != 0xfe051ee3 {
		t.Fatalf("bne = %#08x, want 0xfe051ee3", got[1])
	}
}

func TestUndefinedLabel(t *testing.T) {
	_, err := EmitProgram(asm.Group{J("nowhere")})
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("EmitProgram = %v, want undefined label error", err)
	}
}

func TestDuplicateLabel(t *testing.T) {
	_, err := EmitProgram(asm.Group{asm.MarkLabel("a"), asm.MarkLabel("a")})
	if err == nil {
		t.Fatalf("duplicate label accepted")
	}
}

func TestMovImmediateLength(t *testing.T) {
	for _, tc := range []struct {
		value int64
		insns int
	}{
		{10, 1},
		{-2048, 1},
		{0x12345, 2},
		{0x80200000, 3},
		{0x7ffff800, 2},
	} {
		if got := len(words(t, MovImmediate(A0, tc.value))); got != tc.insns {
			t.Errorf("MovImmediate(%#x) = %d instructions, want %d", tc.value, got, tc.insns)
		}
	}
}

func TestLabelOffsets(t *testing.T) {
	prog, err := EmitProgram(asm.Group{Nop(), asm.MarkLabel("here"), Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if off, ok := prog.LabelOffset("here"); !ok || off != 4 {
		t.Fatalf("LabelOffset = %d, %v", off, ok)
	}
	if prog.Len() != 8 {
		t.Fatalf("Len = %d", prog.Len())
	}
}
