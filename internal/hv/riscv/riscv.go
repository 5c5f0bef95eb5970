// Package riscv describes the privileged RISC-V hardware the hypervisor
// drives: the H-extension CSRs, trap causes and the Hart interface that
// stands in for the physical hart.
package riscv

import (
	"context"
	"fmt"
)

// CSR is a control and status register number.
type CSR uint16

// Supervisor CSRs.
const (
	CSRSstatus    CSR = 0x100
	CSRSie        CSR = 0x104
	CSRStvec      CSR = 0x105
	CSRScounteren CSR = 0x106
	CSRSscratch   CSR = 0x140
	CSRSepc       CSR = 0x141
	CSRScause     CSR = 0x142
	CSRStval      CSR = 0x143
	CSRSip        CSR = 0x144
	CSRSatp       CSR = 0x180
)

// Hypervisor CSRs.
const (
	CSRHstatus    CSR = 0x600
	CSRHedeleg    CSR = 0x602
	CSRHideleg    CSR = 0x603
	CSRHie        CSR = 0x604
	CSRHcounteren CSR = 0x606
	CSRHgeie      CSR = 0x607
	CSRHtval      CSR = 0x643
	CSRHip        CSR = 0x644
	CSRHvip       CSR = 0x645
	CSRHtinst     CSR = 0x64A
	CSRHgatp      CSR = 0x680
)

// Virtual supervisor CSRs.
const (
	CSRVsstatus  CSR = 0x200
	CSRVsie      CSR = 0x204
	CSRVstvec    CSR = 0x205
	CSRVsscratch CSR = 0x240
	CSRVsepc     CSR = 0x241
	CSRVscause   CSR = 0x242
	CSRVstval    CSR = 0x243
	CSRVsip      CSR = 0x244
	CSRVsatp     CSR = 0x280
)

// Unprivileged counters.
const (
	CSRCycle   CSR = 0xC00
	CSRTime    CSR = 0xC01
	CSRInstret CSR = 0xC02
)

var csrNames = map[CSR]string{
	CSRSstatus: "sstatus", CSRSie: "sie", CSRStvec: "stvec", CSRScounteren: "scounteren",
	CSRSscratch: "sscratch", CSRSepc: "sepc", CSRScause: "scause", CSRStval: "stval",
	CSRSip: "sip", CSRSatp: "satp",
	CSRHstatus: "hstatus", CSRHedeleg: "hedeleg", CSRHideleg: "hideleg", CSRHie: "hie",
	CSRHcounteren: "hcounteren", CSRHgeie: "hgeie", CSRHtval: "htval", CSRHip: "hip",
	CSRHvip: "hvip", CSRHtinst: "htinst", CSRHgatp: "hgatp",
	CSRVsstatus: "vsstatus", CSRVsie: "vsie", CSRVstvec: "vstvec", CSRVsscratch: "vsscratch",
	CSRVsepc: "vsepc", CSRVscause: "vscause", CSRVstval: "vstval", CSRVsip: "vsip",
	CSRVsatp: "vsatp",
	CSRCycle: "cycle", CSRTime: "time", CSRInstret: "instret",
}

func (c CSR) String() string {
	if name, ok := csrNames[c]; ok {
		return name
	}
	return fmt.Sprintf("csr(%#x)", uint16(c))
}

// sstatus bits.
const (
	SstatusSIE  uint64 = 1 << 1
	SstatusSPIE uint64 = 1 << 5
	SstatusSPP  uint64 = 1 << 8
	SstatusSUM  uint64 = 1 << 18
	SstatusMXR  uint64 = 1 << 19
)

// hstatus bits.
const (
	HstatusGVA  uint64 = 1 << 6
	HstatusSPV  uint64 = 1 << 7
	HstatusSPVP uint64 = 1 << 8
	HstatusHU   uint64 = 1 << 9
	HstatusVTVM uint64 = 1 << 20
	HstatusVTW  uint64 = 1 << 21
	HstatusVTSR uint64 = 1 << 22

	HstatusVSXLShift        = 32
	HstatusVSXL      uint64 = 3 << HstatusVSXLShift
	// HstatusVSXL64 selects a 64-bit VS-mode.
	HstatusVSXL64 uint64 = 2 << HstatusVSXLShift
)

// Interrupt pending and enable bits, shared by sip/sie and hip/hie.
const (
	IPSSIP  uint64 = 1 << 1
	IPVSSIP uint64 = 1 << 2
	IPSTIP  uint64 = 1 << 5
	IPVSTIP uint64 = 1 << 6
	IPSEIP  uint64 = 1 << 9
	IPVSEIP uint64 = 1 << 10

	// IPSupervisor is the set of HS-level interrupt sources.
	IPSupervisor = IPSSIP | IPSTIP | IPSEIP
	// IPVirtual is the set of VS-level interrupt sources.
	IPVirtual = IPVSSIP | IPVSTIP | IPVSEIP
)

// Address translation register layout, shared by satp, vsatp and hgatp.
const (
	ATPModeShift        = 60
	ATPPPNMask   uint64 = (1 << 44) - 1
	ATPIDShift          = 44

	ATPModeBare   = 0
	ATPModeSv39   = 8
	ATPModeSv48   = 9
	ATPModeSv48x4 = 9
)

// Trap causes.
const (
	CauseInterrupt uint64 = 1 << 63

	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromHS         uint64 = 9
	CauseEcallFromVS         uint64 = 10
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
	CauseInsnGuestPageFault  uint64 = 20
	CauseLoadGuestPageFault  uint64 = 21
	CauseVirtualInsn         uint64 = 22
	CauseStoreGuestPageFault uint64 = 23

	CauseSSoftwareInt  = CauseInterrupt | 1
	CauseVSSoftwareInt = CauseInterrupt | 2
	CauseSTimerInt     = CauseInterrupt | 5
	CauseVSTimerInt    = CauseInterrupt | 6
	CauseSExternalInt  = CauseInterrupt | 9
	CauseVSExternalInt = CauseInterrupt | 10
)

var exceptionNames = map[uint64]string{
	CauseInsnAddrMisaligned:  "instruction address misaligned",
	CauseInsnAccessFault:     "instruction access fault",
	CauseIllegalInsn:         "illegal instruction",
	CauseBreakpoint:          "breakpoint",
	CauseLoadAddrMisaligned:  "load address misaligned",
	CauseLoadAccessFault:     "load access fault",
	CauseStoreAddrMisaligned: "store address misaligned",
	CauseStoreAccessFault:    "store access fault",
	CauseEcallFromU:          "environment call from U-mode",
	CauseEcallFromHS:         "environment call from HS-mode",
	CauseEcallFromVS:         "environment call from VS-mode",
	CauseEcallFromM:          "environment call from M-mode",
	CauseInsnPageFault:       "instruction page fault",
	CauseLoadPageFault:       "load page fault",
	CauseStorePageFault:      "store page fault",
	CauseInsnGuestPageFault:  "instruction guest-page fault",
	CauseLoadGuestPageFault:  "load guest-page fault",
	CauseVirtualInsn:         "virtual instruction",
	CauseStoreGuestPageFault: "store guest-page fault",
}

var interruptNames = map[uint64]string{
	1:  "supervisor software interrupt",
	2:  "virtual supervisor software interrupt",
	5:  "supervisor timer interrupt",
	6:  "virtual supervisor timer interrupt",
	9:  "supervisor external interrupt",
	10: "virtual supervisor external interrupt",
	12: "supervisor guest external interrupt",
}

// IsInterrupt reports whether scause describes an interrupt.
func IsInterrupt(cause uint64) bool { return cause&CauseInterrupt != 0 }

// CauseCode strips the interrupt bit.
func CauseCode(cause uint64) uint64 { return cause &^ CauseInterrupt }

// CauseName returns a human readable name for an scause value.
func CauseName(cause uint64) string {
	names := exceptionNames
	if IsInterrupt(cause) {
		names = interruptNames
	}
	if name, ok := names[CauseCode(cause)]; ok {
		return name
	}
	if IsInterrupt(cause) {
		return fmt.Sprintf("interrupt %d", CauseCode(cause))
	}
	return fmt.Sprintf("exception %d", cause)
}

// IsGuestPageFault reports whether cause is one of the G-stage fault codes.
func IsGuestPageFault(cause uint64) bool {
	switch cause {
	case CauseInsnGuestPageFault, CauseLoadGuestPageFault, CauseStoreGuestPageFault:
		return true
	}
	return false
}

// Hart is a single hardware thread running in HS-mode.
//
// The hypervisor owns the hart: it configures the trap vector and the guest
// state through CSRs and then leaves HS-mode with Sret. Sret returns once the
// hart has taken a trap back into HS-mode, at which point scause and friends
// describe the trap and the GPRs hold the guest's values. It also returns if
// ctx is done; in that case the guest state is left as it was at the last
// instruction boundary.
type Hart interface {
	ReadCSR(csr CSR) uint64
	WriteCSR(csr CSR, value uint64)
	ReadGPR(reg int) uint64
	WriteGPR(reg int, value uint64)
	Sret(ctx context.Context) error
}

// ABI register numbers.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegT0   = 5
	RegT1   = 6
	RegT2   = 7
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegName returns the ABI name of register reg.
func RegName(reg int) string {
	if reg < 0 || reg >= len(abiNames) {
		return fmt.Sprintf("x%d", reg)
	}
	return abiNames[reg]
}
