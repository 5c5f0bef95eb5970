package rv64

import "github.com/tinyrange/rvh/internal/hv/riscv"

// AMO funct5 values.
const (
	amoAdd  = 0b00000
	amoSwap = 0b00001
	amoLR   = 0b00010
	amoSC   = 0b00011
	amoXor  = 0b00100
	amoOr   = 0b01000
	amoAnd  = 0b01100
	amoMin  = 0b10000
	amoMax  = 0b10100
	amoMinU = 0b11000
	amoMaxU = 0b11100
)

// execAMO executes atomic memory operations. The hart is single threaded, so
// each AMO is a plain read-modify-write through the current translation.
func (h *Hart) execAMO(insn uint32) error {
	var size int
	switch funct3(insn) {
	case 0b010:
		size = 4
	case 0b011:
		size = 8
	default:
		return illegal(insn)
	}

	addr := h.ReadReg(rs1(insn))
	src := h.ReadReg(rs2(insn))
	f5 := funct7(insn) >> 2

	if addr&uint64(size-1) != 0 {
		return addressException(riscv.CauseStoreAddrMisaligned, addr)
	}

	switch f5 {
	case amoLR:
		paddr, err := h.translate(addr, accessRead)
		if err != nil {
			return err
		}
		val, err := h.Mem.Read(paddr, size)
		if err != nil {
			return addressException(riscv.CauseLoadAccessFault, addr)
		}
		h.WriteReg(rd(insn), extendWord(val, size))
		h.reservation = paddr &^ 7
		h.reservationValid = true
		return nil

	case amoSC:
		paddr, err := h.translate(addr, accessWrite)
		if err != nil {
			return err
		}
		if !h.reservationValid || h.reservation != paddr&^7 {
			h.WriteReg(rd(insn), 1)
			return nil
		}
		if err := h.Mem.Write(paddr, size, src); err != nil {
			return addressException(riscv.CauseStoreAccessFault, addr)
		}
		h.WriteReg(rd(insn), 0)
		h.reservationValid = false
		return nil
	}

	// AMOs need write permission even though they also read.
	paddr, err := h.translate(addr, accessWrite)
	if err != nil {
		return err
	}
	raw, err := h.Mem.Read(paddr, size)
	if err != nil {
		return addressException(riscv.CauseStoreAccessFault, addr)
	}

	old := extendWord(raw, size)
	operand := extendWord(src, size)

	var val uint64
	switch f5 {
	case amoSwap:
		val = operand
	case amoAdd:
		val = old + operand
	case amoXor:
		val = old ^ operand
	case amoAnd:
		val = old & operand
	case amoOr:
		val = old | operand
	case amoMin:
		val = uint64(min(int64(old), int64(operand)))
	case amoMax:
		val = uint64(max(int64(old), int64(operand)))
	case amoMinU:
		val = minUnsigned(old, operand, size)
	case amoMaxU:
		val = maxUnsigned(old, operand, size)
	default:
		return illegal(insn)
	}

	if err := h.Mem.Write(paddr, size, val); err != nil {
		return addressException(riscv.CauseStoreAccessFault, addr)
	}
	if h.reservationValid && h.reservation == paddr&^7 {
		h.reservationValid = false
	}
	h.WriteReg(rd(insn), old)
	return nil
}

// extendWord sign-extends 32-bit values the way the W forms require.
func extendWord(val uint64, size int) uint64 {
	if size == 4 {
		return uint64(int64(int32(val)))
	}
	return val
}

func minUnsigned(a, b uint64, size int) uint64 {
	if size == 4 {
		return extendWord(uint64(min(uint32(a), uint32(b))), 4)
	}
	return min(a, b)
}

func maxUnsigned(a, b uint64, size int) uint64 {
	if size == 4 {
		return extendWord(uint64(max(uint32(a), uint32(b))), 4)
	}
	return max(a, b)
}
