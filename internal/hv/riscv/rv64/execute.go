package rv64

import (
	"github.com/tinyrange/rvh/internal/hv/riscv"
)

// Opcode constants
const (
	OpLoad    = 0b0000011 // I-type loads
	OpMiscMem = 0b0001111 // FENCE
	OpOpImm   = 0b0010011 // I-type ALU
	OpAuipc   = 0b0010111 // U-type
	OpOpImm32 = 0b0011011 // I-type ALU 32-bit
	OpStore   = 0b0100011 // S-type stores
	OpAMO     = 0b0101111 // Atomics
	OpOp      = 0b0110011 // R-type ALU
	OpLui     = 0b0110111 // U-type
	OpOp32    = 0b0111011 // R-type ALU 32-bit
	OpBranch  = 0b1100011 // B-type branches
	OpJalr    = 0b1100111 // I-type jump
	OpJal     = 0b1101111 // J-type jump
	OpSystem  = 0b1110011 // System instructions
)

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

// Immediate extraction
func immI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 {
	return signExtend(uint64(insn&0xfffff000), 32)
}

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

// shamt extracts the shift amount for 64-bit shifts
func shamt(insn uint32) uint32 {
	return (insn >> 20) & 0x3f
}

// shamt32 extracts the shift amount for 32-bit shifts
func shamt32(insn uint32) uint32 {
	return (insn >> 20) & 0x1f
}

// Execute executes a single instruction. The next PC is left in h.next.
func (h *Hart) Execute(insn uint32) error {
	switch opcode(insn) {
	case OpLui:
		h.WriteReg(rd(insn), uint64(immU(insn)))
		return nil
	case OpAuipc:
		h.WriteReg(rd(insn), uint64(int64(h.PC)+immU(insn)))
		return nil
	case OpJal:
		return h.jump(rd(insn), uint64(int64(h.PC)+immJ(insn)))
	case OpJalr:
		target := uint64(int64(h.ReadReg(rs1(insn)))+immI(insn)) &^ 1
		return h.jump(rd(insn), target)
	case OpBranch:
		return h.execBranch(insn)
	case OpLoad:
		return h.execLoad(insn)
	case OpStore:
		return h.execStore(insn)
	case OpOpImm:
		return h.execOpImm(insn)
	case OpOpImm32:
		return h.execOpImm32(insn)
	case OpOp:
		return h.execOp(insn)
	case OpOp32:
		return h.execOp32(insn)
	case OpMiscMem:
		return h.execMiscMem(insn)
	case OpSystem:
		return h.execSystem(insn)
	case OpAMO:
		return h.execAMO(insn)
	default:
		return illegal(insn)
	}
}

func (h *Hart) jump(link uint32, target uint64) error {
	if target&3 != 0 {
		return Exception(riscv.CauseInsnAddrMisaligned, target)
	}
	h.WriteReg(link, h.PC+4)
	h.next = target
	return nil
}

// Branch instructions
func (h *Hart) execBranch(insn uint32) error {
	r1 := h.ReadReg(rs1(insn))
	r2 := h.ReadReg(rs2(insn))

	var taken bool
	switch funct3(insn) {
	case 0b000: // BEQ
		taken = r1 == r2
	case 0b001: // BNE
		taken = r1 != r2
	case 0b100: // BLT
		taken = int64(r1) < int64(r2)
	case 0b101: // BGE
		taken = int64(r1) >= int64(r2)
	case 0b110: // BLTU
		taken = r1 < r2
	case 0b111: // BGEU
		taken = r1 >= r2
	default:
		return illegal(insn)
	}

	if taken {
		target := uint64(int64(h.PC) + immB(insn))
		if target&3 != 0 {
			return Exception(riscv.CauseInsnAddrMisaligned, target)
		}
		h.next = target
	}
	return nil
}

// load reads size bytes at a virtual address in the current mode.
func (h *Hart) load(vaddr uint64, size int) (uint64, error) {
	if vaddr&uint64(size-1) != 0 {
		return 0, addressException(riscv.CauseLoadAddrMisaligned, vaddr)
	}
	paddr, err := h.translate(vaddr, accessRead)
	if err != nil {
		return 0, err
	}
	val, err := h.Mem.Read(paddr, size)
	if err != nil {
		return 0, addressException(riscv.CauseLoadAccessFault, vaddr)
	}
	return val, nil
}

// store writes size bytes at a virtual address in the current mode.
func (h *Hart) store(vaddr uint64, size int, val uint64) error {
	if vaddr&uint64(size-1) != 0 {
		return addressException(riscv.CauseStoreAddrMisaligned, vaddr)
	}
	paddr, err := h.translate(vaddr, accessWrite)
	if err != nil {
		return err
	}
	if err := h.Mem.Write(paddr, size, val); err != nil {
		return addressException(riscv.CauseStoreAccessFault, vaddr)
	}
	if h.reservationValid && h.reservation == paddr&^7 {
		h.reservationValid = false
	}
	return nil
}

// Load instructions
func (h *Hart) execLoad(insn uint32) error {
	addr := uint64(int64(h.ReadReg(rs1(insn))) + immI(insn))

	var size int
	var signed bool
	switch funct3(insn) {
	case 0b000: // LB
		size, signed = 1, true
	case 0b001: // LH
		size, signed = 2, true
	case 0b010: // LW
		size, signed = 4, true
	case 0b011: // LD
		size = 8
	case 0b100: // LBU
		size = 1
	case 0b101: // LHU
		size = 2
	case 0b110: // LWU
		size = 4
	default:
		return illegal(insn)
	}

	val, err := h.load(addr, size)
	if err != nil {
		return err
	}
	if signed {
		val = uint64(signExtend(val, size*8))
	}
	h.WriteReg(rd(insn), val)
	return nil
}

// Store instructions
func (h *Hart) execStore(insn uint32) error {
	addr := uint64(int64(h.ReadReg(rs1(insn))) + immS(insn))
	val := h.ReadReg(rs2(insn))

	switch funct3(insn) {
	case 0b000: // SB
		return h.store(addr, 1, val)
	case 0b001: // SH
		return h.store(addr, 2, val)
	case 0b010: // SW
		return h.store(addr, 4, val)
	case 0b011: // SD
		return h.store(addr, 8, val)
	default:
		return illegal(insn)
	}
}

// Immediate ALU operations
func (h *Hart) execOpImm(insn uint32) error {
	r1 := h.ReadReg(rs1(insn))
	imm := immI(insn)
	sh := shamt(insn)

	var val uint64
	switch funct3(insn) {
	case 0b000: // ADDI
		val = uint64(int64(r1) + imm)
	case 0b001: // SLLI
		val = r1 << sh
	case 0b010: // SLTI
		if int64(r1) < imm {
			val = 1
		}
	case 0b011: // SLTIU
		if r1 < uint64(imm) {
			val = 1
		}
	case 0b100: // XORI
		val = r1 ^ uint64(imm)
	case 0b101: // SRLI/SRAI
		if (insn>>30)&1 == 1 {
			val = uint64(int64(r1) >> sh) // SRAI
		} else {
			val = r1 >> sh // SRLI
		}
	case 0b110: // ORI
		val = r1 | uint64(imm)
	case 0b111: // ANDI
		val = r1 & uint64(imm)
	}

	h.WriteReg(rd(insn), val)
	return nil
}

// 32-bit Immediate ALU operations
func (h *Hart) execOpImm32(insn uint32) error {
	r1 := uint32(h.ReadReg(rs1(insn)))
	imm := int32(immI(insn))
	sh := shamt32(insn)

	var val int32
	switch funct3(insn) {
	case 0b000: // ADDIW
		val = int32(r1) + imm
	case 0b001: // SLLIW
		val = int32(r1 << sh)
	case 0b101: // SRLIW/SRAIW
		if (insn>>30)&1 == 1 {
			val = int32(r1) >> sh // SRAIW
		} else {
			val = int32(r1 >> sh) // SRLIW
		}
	default:
		return illegal(insn)
	}

	h.WriteReg(rd(insn), uint64(val))
	return nil
}

// Register-Register ALU operations
func (h *Hart) execOp(insn uint32) error {
	r1 := h.ReadReg(rs1(insn))
	r2 := h.ReadReg(rs2(insn))
	f3 := funct3(insn)
	f7 := funct7(insn)

	if f7 == 0b0000001 {
		return h.execOpM(insn, r1, r2, f3)
	}
	if f7 != 0 && !(f7 == 0b0100000 && (f3 == 0b000 || f3 == 0b101)) {
		return illegal(insn)
	}

	var val uint64
	switch f3 {
	case 0b000: // ADD/SUB
		if f7 == 0b0100000 {
			val = uint64(int64(r1) - int64(r2)) // SUB
		} else {
			val = uint64(int64(r1) + int64(r2)) // ADD
		}
	case 0b001: // SLL
		val = r1 << (r2 & 0x3f)
	case 0b010: // SLT
		if int64(r1) < int64(r2) {
			val = 1
		}
	case 0b011: // SLTU
		if r1 < r2 {
			val = 1
		}
	case 0b100: // XOR
		val = r1 ^ r2
	case 0b101: // SRL/SRA
		if f7 == 0b0100000 {
			val = uint64(int64(r1) >> (r2 & 0x3f)) // SRA
		} else {
			val = r1 >> (r2 & 0x3f) // SRL
		}
	case 0b110: // OR
		val = r1 | r2
	case 0b111: // AND
		val = r1 & r2
	}

	h.WriteReg(rd(insn), val)
	return nil
}

// M extension operations
func (h *Hart) execOpM(insn uint32, r1, r2 uint64, f3 uint32) error {
	var val uint64

	switch f3 {
	case 0b000: // MUL
		val = uint64(int64(r1) * int64(r2))
	case 0b001: // MULH
		hi, _ := mulh64(int64(r1), int64(r2))
		val = uint64(hi)
	case 0b010: // MULHSU
		hi, _ := mulhsu64(int64(r1), r2)
		val = uint64(hi)
	case 0b011: // MULHU
		val, _ = mulhu64(r1, r2)
	case 0b100: // DIV
		if r2 == 0 {
			val = ^uint64(0)
		} else if r1 == uint64(1<<63) && r2 == ^uint64(0) {
			val = r1
		} else {
			val = uint64(int64(r1) / int64(r2))
		}
	case 0b101: // DIVU
		if r2 == 0 {
			val = ^uint64(0)
		} else {
			val = r1 / r2
		}
	case 0b110: // REM
		if r2 == 0 {
			val = r1
		} else if r1 == uint64(1<<63) && r2 == ^uint64(0) {
			val = 0
		} else {
			val = uint64(int64(r1) % int64(r2))
		}
	case 0b111: // REMU
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	}

	h.WriteReg(rd(insn), val)
	return nil
}

// 32-bit Register-Register ALU operations
func (h *Hart) execOp32(insn uint32) error {
	r1 := uint32(h.ReadReg(rs1(insn)))
	r2 := uint32(h.ReadReg(rs2(insn)))
	f3 := funct3(insn)
	f7 := funct7(insn)

	if f7 == 0b0000001 {
		return h.execOp32M(insn, r1, r2, f3)
	}

	var val int32
	switch f3 {
	case 0b000: // ADDW/SUBW
		if f7 == 0b0100000 {
			val = int32(r1) - int32(r2) // SUBW
		} else {
			val = int32(r1) + int32(r2) // ADDW
		}
	case 0b001: // SLLW
		val = int32(r1 << (r2 & 0x1f))
	case 0b101: // SRLW/SRAW
		if f7 == 0b0100000 {
			val = int32(r1) >> (r2 & 0x1f) // SRAW
		} else {
			val = int32(r1 >> (r2 & 0x1f)) // SRLW
		}
	default:
		return illegal(insn)
	}

	h.WriteReg(rd(insn), uint64(val))
	return nil
}

// M extension 32-bit operations
func (h *Hart) execOp32M(insn uint32, r1, r2 uint32, f3 uint32) error {
	var val int32

	switch f3 {
	case 0b000: // MULW
		val = int32(r1) * int32(r2)
	case 0b100: // DIVW
		if r2 == 0 {
			val = -1
		} else if r1 == uint32(1<<31) && r2 == ^uint32(0) {
			val = int32(r1)
		} else {
			val = int32(r1) / int32(r2)
		}
	case 0b101: // DIVUW
		if r2 == 0 {
			val = -1
		} else {
			val = int32(r1 / r2)
		}
	case 0b110: // REMW
		if r2 == 0 {
			val = int32(r1)
		} else if r1 == uint32(1<<31) && r2 == ^uint32(0) {
			val = 0
		} else {
			val = int32(r1) % int32(r2)
		}
	case 0b111: // REMUW
		if r2 == 0 {
			val = int32(r1)
		} else {
			val = int32(r1 % r2)
		}
	default:
		return illegal(insn)
	}

	h.WriteReg(rd(insn), uint64(val))
	return nil
}

// FENCE instructions
func (h *Hart) execMiscMem(insn uint32) error {
	switch funct3(insn) {
	case 0b000, 0b001: // FENCE, FENCE.I
		return nil
	default:
		return illegal(insn)
	}
}

// Helper for 64-bit unsigned multiply high
func mulhu64(a, b uint64) (uint64, uint64) {
	const mask32 = 0xFFFFFFFF
	a0 := a & mask32
	a1 := a >> 32
	b0 := b & mask32
	b1 := b >> 32

	p0 := a0 * b0
	p1 := a0 * b1
	p2 := a1 * b0
	p3 := a1 * b1

	carry := ((p0 >> 32) + (p1 & mask32) + (p2 & mask32)) >> 32
	hi := p3 + (p1 >> 32) + (p2 >> 32) + carry
	lo := a * b

	return hi, lo
}

// Helper for 64-bit signed multiply high
func mulh64(a, b int64) (int64, uint64) {
	negResult := (a < 0) != (b < 0)
	ua := uint64(a)
	ub := uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}

	hi, lo := mulhu64(ua, ub)
	if negResult {
		hi, lo = negate128(hi, lo)
	}
	return int64(hi), lo
}

// Helper for 64-bit signed*unsigned multiply high
func mulhsu64(a int64, b uint64) (int64, uint64) {
	ua := uint64(a)
	if a < 0 {
		ua = uint64(-a)
	}

	hi, lo := mulhu64(ua, b)
	if a < 0 {
		hi, lo = negate128(hi, lo)
	}
	return int64(hi), lo
}

func negate128(hi, lo uint64) (uint64, uint64) {
	lo = ^lo + 1
	hi = ^hi
	if lo == 0 {
		hi++
	}
	return hi, lo
}

// Encodings of the fixed SYSTEM instructions.
const (
	insnEcall  = 0x00000073
	insnEbreak = 0x00100073
	insnSret   = 0x10200073
	insnWfi    = 0x10500073

	funct7SfenceVma  = 0b0001001
	funct7HfenceVvma = 0b0010001
	funct7HfenceGvma = 0b0110001
)

// System instructions (ECALL, EBREAK, CSR, etc.)
func (h *Hart) execSystem(insn uint32) error {
	f3 := funct3(insn)

	if f3 == 0 {
		switch insn {
		case insnEcall:
			return Exception(h.ecallCause(), 0)
		case insnEbreak:
			return addressException(riscv.CauseBreakpoint, h.PC)
		case insnSret:
			return h.sret(insn)
		case insnWfi:
			// No event sources to wait for: interrupts are checked before
			// every instruction.
			if h.Virt && h.Priv == PrivUser {
				return virtualInsn(insn)
			}
			if !h.Virt && h.Priv == PrivUser {
				return illegal(insn)
			}
			return nil
		}
		if rd(insn) != 0 {
			return illegal(insn)
		}
		switch funct7(insn) {
		case funct7SfenceVma:
			switch {
			case h.Virt && (h.Priv == PrivUser || h.hstatus&riscv.HstatusVTVM != 0):
				return virtualInsn(insn)
			case h.Priv == PrivUser:
				return illegal(insn)
			}
			return nil
		case funct7HfenceVvma, funct7HfenceGvma:
			if h.Virt {
				return virtualInsn(insn)
			}
			if h.Priv == PrivUser {
				return illegal(insn)
			}
			return nil
		}
		return illegal(insn)
	}

	if f3 == 0b100 {
		// Hypervisor virtual-machine loads and stores.
		if h.Virt {
			return virtualInsn(insn)
		}
		return illegal(insn)
	}

	return h.execCSR(insn, f3)
}

func (h *Hart) ecallCause() uint64 {
	switch {
	case h.Priv == PrivUser:
		return riscv.CauseEcallFromU
	case h.Virt:
		return riscv.CauseEcallFromVS
	default:
		return riscv.CauseEcallFromHS
	}
}

// execCSR executes CSRRW, CSRRS, CSRRC and their immediate forms.
func (h *Hart) execCSR(insn, f3 uint32) error {
	rdReg := rd(insn)
	rs1Reg := rs1(insn)

	rs1Val := h.ReadReg(rs1Reg)
	if f3 >= 5 {
		// Immediate forms use rs1 field as immediate
		rs1Val = uint64(rs1Reg)
	}

	var write bool
	switch f3 & 3 {
	case 1: // CSRRW(I)
		write = true
	case 2, 3: // CSRRS(I), CSRRC(I)
		write = rs1Reg != 0
	default:
		return illegal(insn)
	}

	csr, err := h.csrAccess(insn, riscv.CSR(insn>>20), write)
	if err != nil {
		return err
	}

	old, _ := h.csrRead(csr)
	if write {
		val := rs1Val
		switch f3 & 3 {
		case 2:
			val = old | rs1Val
		case 3:
			val = old &^ rs1Val
		}
		h.csrWrite(csr, val)
	}

	h.WriteReg(rdReg, old)
	return nil
}
