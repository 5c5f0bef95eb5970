// Package riscv assembles small RV64 programs. It covers the integer base
// ISA, the M extension and the privileged instructions needed to write test
// guests and the demo kernel.
package riscv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/rvh/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI names.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
)

// Opcodes.
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1b
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opBranch  = 0x63
	opJal     = 0x6f
	opSystem  = 0x73
)

// word is a fully encoded instruction.
type word uint32

// Word emits a raw 32-bit instruction.
func Word(insn uint32) asm.Fragment { return word(insn) }

func (w word) Emit(ctx asm.Context) error {
	emitInsn(ctx, uint32(w))
	return nil
}

type addImmediate struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

type shiftImmediate struct {
	rd    asm.Variable
	shamt uint32
	f3    uint32
	op    uint32
}

// AddRegImm emits ADDI rd, rd, imm.
func AddRegImm(rd asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rd, imm: imm}
}

// Addi emits ADDI rd, rs1, imm.
func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs1, imm: imm}
}

// Mov copies rs into rd.
func Mov(rd, rs asm.Variable) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs, imm: 0}
}

// Nop emits ADDI x0, x0, 0.
func Nop() asm.Fragment { return addImmediate{} }

// MovImmediate loads an immediate into rd, using ADDI when possible and
// LUI+ADDIW for 32-bit values. Values with bit 31 set that fit in 32 bits are
// zero-extended; wider values are built 12 bits at a time.
func MovImmediate(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

// Slli shifts rd left by shamt bits.
func Slli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 1, op: opOpImm}
}

// Srli shifts rd right logically by shamt bits.
func Srli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 5, op: opOpImm}
}

type store struct {
	rs2 asm.Variable
	rs1 asm.Variable
	imm int32
	f3  uint32
}

// MovToMemory writes rs2 to [rs1+imm] using SD.
func MovToMemory(base asm.Variable, src asm.Variable, imm int32) asm.Fragment {
	return store{rs1: base, rs2: src, imm: imm, f3: 3}
}

// Sw writes the low word of src to [base+imm].
func Sw(base, src asm.Variable, imm int32) asm.Fragment {
	return store{rs1: base, rs2: src, imm: imm, f3: 2}
}

// Sb writes the low byte of src to [base+imm].
func Sb(base, src asm.Variable, imm int32) asm.Fragment {
	return store{rs1: base, rs2: src, imm: imm, f3: 0}
}

type load struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
	f3  uint32
}

// MovFromMemory loads [rs1+imm] into rd using LD.
func MovFromMemory(rd asm.Variable, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: 3}
}

// Lw loads a sign-extended word.
func Lw(rd, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: 2}
}

// Lbu loads a zero-extended byte.
func Lbu(rd, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: 4}
}

type regOp struct {
	rd, rs1, rs2 asm.Variable
	f3, f7       uint32
}

func (r regOp) Emit(ctx asm.Context) error {
	emitInsn(ctx, encodeR(r.f7, uint32(r.rs2), uint32(r.rs1), r.f3, uint32(r.rd), opOp))
	return nil
}

// Add emits ADD rd, rs1, rs2.
func Add(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2} }

// Sub emits SUB rd, rs1, rs2.
func Sub(rd, rs1, rs2 asm.Variable) asm.Fragment {
	return regOp{rd: rd, rs1: rs1, rs2: rs2, f7: 0x20}
}

// Xor emits XOR rd, rs1, rs2.
func Xor(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, f3: 4} }

// Or emits OR rd, rs1, rs2.
func Or(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, f3: 6} }

// And emits AND rd, rs1, rs2.
func And(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, f3: 7} }

// Mul emits MUL rd, rs1, rs2.
func Mul(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, f7: 1} }

// Divu emits DIVU rd, rs1, rs2.
func Divu(rd, rs1, rs2 asm.Variable) asm.Fragment {
	return regOp{rd: rd, rs1: rs1, rs2: rs2, f3: 5, f7: 1}
}

// Remu emits REMU rd, rs1, rs2.
func Remu(rd, rs1, rs2 asm.Variable) asm.Fragment {
	return regOp{rd: rd, rs1: rs1, rs2: rs2, f3: 7, f7: 1}
}

type upper struct {
	rd  asm.Variable
	imm int32
	op  uint32
}

func (u upper) Emit(ctx asm.Context) error {
	emitInsn(ctx, encodeU(u.imm, uint32(u.rd), u.op))
	return nil
}

// Lui emits LUI rd, imm20.
func Lui(rd asm.Variable, imm20 int32) asm.Fragment { return upper{rd: rd, imm: imm20, op: opLui} }

// Auipc emits AUIPC rd, imm20.
func Auipc(rd asm.Variable, imm20 int32) asm.Fragment {
	return upper{rd: rd, imm: imm20, op: opAuipc}
}

type branch struct {
	rs1, rs2 asm.Variable
	f3       uint32
	target   asm.Label
}

// Beq branches to target when rs1 == rs2.
func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 0, target: target}
}

// Bne branches to target when rs1 != rs2.
func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 1, target: target}
}

// Bltu branches to target when rs1 < rs2 unsigned.
func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 6, target: target}
}

func (b branch) Emit(ctx asm.Context) error {
	at := ctx.Offset()
	emitInsn(ctx, 0)
	ctx.Fixup(b.target, at, func(code []byte, at, target int) error {
		insn, err := encodeB(int32(target-at), uint32(b.rs2), uint32(b.rs1), b.f3)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(code[at:], insn)
		return nil
	})
	return nil
}

type jump struct {
	rd     asm.Variable
	target asm.Label
}

// Jal jumps to target, linking the return address in rd.
func Jal(rd asm.Variable, target asm.Label) asm.Fragment { return jump{rd: rd, target: target} }

// J jumps to target.
func J(target asm.Label) asm.Fragment { return jump{rd: X0, target: target} }

func (j jump) Emit(ctx asm.Context) error {
	at := ctx.Offset()
	emitInsn(ctx, 0)
	ctx.Fixup(j.target, at, func(code []byte, at, target int) error {
		insn, err := encodeJ(int32(target-at), uint32(j.rd))
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(code[at:], insn)
		return nil
	})
	return nil
}

// Jr jumps to the address in rs.
func Jr(rs asm.Variable) asm.Fragment {
	insn, _ := encodeI(0, uint32(rs), 0, uint32(X0), 0x67)
	return word(insn)
}

type csrOp struct {
	rd  asm.Variable
	csr uint16
	src uint32
	f3  uint32
}

func (c csrOp) Emit(ctx asm.Context) error {
	if c.csr > 0xfff {
		return fmt.Errorf("riscv: csr %#x out of range", c.csr)
	}
	emitInsn(ctx, uint32(c.csr)<<20|c.src<<15|c.f3<<12|uint32(c.rd)<<7|opSystem)
	return nil
}

// Csrrw swaps rs into csr, old value to rd.
func Csrrw(rd asm.Variable, csr uint16, rs asm.Variable) asm.Fragment {
	return csrOp{rd: rd, csr: csr, src: uint32(rs), f3: 1}
}

// Csrrs sets the bits of rs in csr, old value to rd.
func Csrrs(rd asm.Variable, csr uint16, rs asm.Variable) asm.Fragment {
	return csrOp{rd: rd, csr: csr, src: uint32(rs), f3: 2}
}

// Csrrc clears the bits of rs in csr, old value to rd.
func Csrrc(rd asm.Variable, csr uint16, rs asm.Variable) asm.Fragment {
	return csrOp{rd: rd, csr: csr, src: uint32(rs), f3: 3}
}

// Csrr reads csr into rd.
func Csrr(rd asm.Variable, csr uint16) asm.Fragment { return Csrrs(rd, csr, X0) }

// Csrw writes rs to csr.
func Csrw(csr uint16, rs asm.Variable) asm.Fragment { return Csrrw(X0, csr, rs) }

// Csrwi writes a 5-bit immediate to csr.
func Csrwi(csr uint16, imm uint32) asm.Fragment {
	return csrOp{rd: X0, csr: csr, src: imm & 0x1f, f3: 5}
}

// Privileged and environment instructions.
func Ecall() asm.Fragment     { return word(0x00000073) }
func Ebreak() asm.Fragment    { return word(0x00100073) }
func Sret() asm.Fragment      { return word(0x10200073) }
func Wfi() asm.Fragment       { return word(0x10500073) }
func SfenceVma() asm.Fragment { return word(0x12000073) }
func Fence() asm.Fragment     { return word(0x0ff0000f) }

// SBI system reset extension and its shutdown call.
const (
	sbiExtSRST     = 0x53525354
	sbiSRSTReset   = 0
	sbiResetShutdn = 0
)

type halt struct{}

// Halt asks the supervisor execution environment to shut the machine down
// with an SBI system reset call.
func Halt() asm.Fragment { return halt{} }

func (halt) Emit(ctx asm.Context) error {
	return asm.Group{
		MovImmediate(A7, sbiExtSRST),
		MovImmediate(A6, sbiSRSTReset),
		MovImmediate(A0, sbiResetShutdn),
		MovImmediate(A1, 0),
		Ecall(),
	}.Emit(ctx)
}

func (l addImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), 0, uint32(l.rd), opOpImm)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	// If the value fits in a 12-bit signed immediate, a single ADDI is enough.
	if l.value >= -2048 && l.value <= 2047 {
		insn, err := encodeI(int32(l.value), uint32(X0), 0, uint32(l.rd), opOpImm)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
		return nil
	}

	zeroExtend := l.value >= 0 && l.value <= math.MaxUint32 && l.value > math.MaxInt32
	if l.value >= math.MinInt32 && l.value <= math.MaxUint32 {
		value := l.value
		if zeroExtend {
			value = int64(int32(uint32(value)))
		}
		hi := (value + (1 << 11)) >> 12
		lo := value - (hi << 12)

		emitInsn(ctx, encodeU(int32(hi), uint32(l.rd), opLui))
		if lo != 0 {
			addiw, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), opOpImm32)
			if err != nil {
				return err
			}
			emitInsn(ctx, addiw)
		}
		if zeroExtend {
			emitInsn(ctx, mustEncodeShift(l.rd, 32, 1, opOpImm))
			emitInsn(ctx, mustEncodeShift(l.rd, 32, 5, opOpImm))
		}
		return nil
	}

	// Wider values: load the upper bits, shift, add the low 12.
	lo := (l.value << 52) >> 52
	rest := (l.value - lo) >> 12
	if err := (&loadImmediate{rd: l.rd, value: rest}).Emit(ctx); err != nil {
		return err
	}
	emitInsn(ctx, mustEncodeShift(l.rd, 12, 1, opOpImm))
	if lo != 0 {
		insn, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), opOpImm)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
	}
	return nil
}

func (s store) Emit(ctx asm.Context) error {
	insn, err := encodeS(s.imm, uint32(s.rs1), uint32(s.rs2), s.f3, opStore)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l load) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), l.f3, uint32(l.rd), opLoad)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s shiftImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(int32(s.shamt), uint32(s.rd), s.f3, uint32(s.rd), s.op)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeU(imm int32, rd uint32, opcode uint32) uint32 {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode
}

func encodeB(offset int32, rs2, rs1, funct3 uint32) (uint32, error) {
	if offset&1 != 0 || offset < -4096 || offset > 4094 {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", offset)
	}
	u := uint32(offset)
	insn := ((u>>12)&1)<<31 | ((u>>5)&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		((u>>1)&0xf)<<8 | ((u>>11)&1)<<7 | opBranch
	return insn, nil
}

// EncodeJAL encodes JAL rd, offset.
func EncodeJAL(rd asm.Variable, offset int32) (uint32, error) {
	return encodeJ(offset, uint32(rd))
}

func encodeJ(offset int32, rd uint32) (uint32, error) {
	if offset&1 != 0 || offset < -(1<<20) || offset >= 1<<20 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", offset)
	}
	u := uint32(offset)
	insn := ((u>>20)&1)<<31 | ((u>>1)&0x3ff)<<21 | ((u>>11)&1)<<20 | ((u>>12)&0xff)<<12 |
		rd<<7 | opJal
	return insn, nil
}

func mustEncodeShift(rd asm.Variable, shamt uint32, f3 uint32, op uint32) uint32 {
	insn, err := encodeI(int32(shamt), uint32(rd), f3, uint32(rd), op)
	if err != nil {
		panic(err)
	}
	return insn
}
