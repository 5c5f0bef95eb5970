// Package rv64 implements a software RV64 hart with the hypervisor (H)
// extension. It plays the part of the physical hart: the hypervisor drives it
// through the riscv.Hart interface and guests run on it under two-stage
// address translation.
//
// The hart implements RV64IMA, Zicsr and the privileged instructions a guest
// kernel and the hypervisor need. There is no M-mode: the hart resets into
// HS-mode. Compressed and floating point instructions raise illegal
// instruction.
package rv64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvh/internal/hv/riscv"
)

// Privilege levels. Together with the virtualization mode they give the
// four modes HS, U, VS and VU.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
)

// DefaultBatchSize is the number of instructions run between context checks.
const DefaultBatchSize = 100000

// Memory is host physical memory as the hart sees it.
type Memory interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
}

// Hart is the processor state.
type Hart struct {
	// Integer registers x0-x31. x0 is kept at zero.
	X  [32]uint64
	PC uint64

	Priv uint8
	// Virt is the virtualization mode (V bit).
	Virt bool

	Cycle   uint64
	Instret uint64

	// HS-level CSRs.
	sstatus    uint64
	sie        uint64
	sip        uint64
	stvec      uint64
	scounteren uint64
	sscratch   uint64
	sepc       uint64
	scause     uint64
	stval      uint64
	satp       uint64

	// Hypervisor CSRs.
	hstatus    uint64
	hedeleg    uint64
	hideleg    uint64
	hie        uint64
	hvip       uint64
	hcounteren uint64
	hgeie      uint64
	htval      uint64
	htinst     uint64
	hgatp      uint64

	// VS-level CSRs.
	vsstatus  uint64
	vstvec    uint64
	vsscratch uint64
	vsepc     uint64
	vscause   uint64
	vstval    uint64
	vsatp     uint64

	reservation      uint64
	reservationValid bool

	// trapped is set when a trap enters HS-mode and cleared by Sret.
	trapped bool
	// next is the PC of the following instruction.
	next uint64

	Mem Memory

	// BatchSize is how many instructions Sret runs between context checks.
	BatchSize int
}

var _ riscv.Hart = &Hart{}

// NewHart returns a hart in HS-mode with all CSRs cleared.
func NewHart(mem Memory) *Hart {
	return &Hart{
		Mem:       mem,
		Priv:      PrivSupervisor,
		hstatus:   riscv.HstatusVSXL64,
		BatchSize: DefaultBatchSize,
	}
}

// Reset returns the hart to HS-mode with cleared state.
func (h *Hart) Reset() {
	mem, batch := h.Mem, h.BatchSize
	*h = *NewHart(mem)
	h.BatchSize = batch
}

// ReadReg reads an integer register (x0 always returns 0)
func (h *Hart) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return h.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored)
func (h *Hart) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		h.X[reg] = val
	}
}

// ReadGPR implements riscv.Hart.
func (h *Hart) ReadGPR(reg int) uint64 {
	if reg <= 0 || reg >= len(h.X) {
		return 0
	}
	return h.X[reg]
}

// WriteGPR implements riscv.Hart.
func (h *Hart) WriteGPR(reg int, value uint64) {
	if reg <= 0 || reg >= len(h.X) {
		return
	}
	h.X[reg] = value
}

// ReadCSR implements riscv.Hart. The access is made from HS-mode.
func (h *Hart) ReadCSR(csr riscv.CSR) uint64 {
	v, _ := h.csrRead(csr)
	return v
}

// WriteCSR implements riscv.Hart. The access is made from HS-mode.
func (h *Hart) WriteCSR(csr riscv.CSR, value uint64) {
	h.csrWrite(csr, value)
}

// RaiseInterrupt marks HS or VS interrupt sources pending. VS sources are
// injected through hvip.
func (h *Hart) RaiseInterrupt(mask uint64) {
	h.sip |= mask & riscv.IPSupervisor
	h.hvip |= mask & riscv.IPVirtual
}

// LowerInterrupt clears pending interrupt sources.
func (h *Hart) LowerInterrupt(mask uint64) {
	h.sip &^= mask & riscv.IPSupervisor
	h.hvip &^= mask & riscv.IPVirtual
}

// Mode returns the current privilege mode name.
func (h *Hart) Mode() string {
	switch {
	case h.Virt && h.Priv == PrivSupervisor:
		return "VS"
	case h.Virt:
		return "VU"
	case h.Priv == PrivSupervisor:
		return "HS"
	default:
		return "U"
	}
}

var hartEndian = binary.LittleEndian

// signExtend sign-extends a value from 'bits' bits to 64 bits
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// ExceptionError is a synchronous exception raised while executing an
// instruction.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
	// GPA is the guest physical address of a guest-page fault.
	GPA uint64
	// Virtual marks Tval as a guest virtual address.
	Virtual bool
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: %s tval=%#x", riscv.CauseName(e.Cause), e.Tval)
}

// Exception creates an exception with the given cause and tval
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

func addressException(cause, vaddr uint64) error {
	return ExceptionError{Cause: cause, Tval: vaddr, Virtual: true}
}

func illegal(insn uint32) error {
	return Exception(riscv.CauseIllegalInsn, uint64(insn))
}

func virtualInsn(insn uint32) error {
	return Exception(riscv.CauseVirtualInsn, uint64(insn))
}
