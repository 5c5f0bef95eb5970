package rv64

import (
	"log/slog"

	"github.com/tinyrange/rvh/internal/hv/riscv"
)

const (
	statusMask = riscv.SstatusSIE | riscv.SstatusSPIE | riscv.SstatusSPP |
		riscv.SstatusSUM | riscv.SstatusMXR
	// UXL=2: U-mode is 64-bit.
	statusUXL64 uint64 = 2 << 32

	hstatusMask = riscv.HstatusGVA | riscv.HstatusSPV | riscv.HstatusSPVP |
		riscv.HstatusHU | riscv.HstatusVTVM | riscv.HstatusVTW | riscv.HstatusVTSR

	// Exceptions a hypervisor may hand to VS-mode. Environment calls from
	// VS/HS/M-mode and the guest-page faults are not delegable.
	hedelegMask uint64 = 0x1ff | 1<<12 | 1<<13 | 1<<15

	tvecModeMask uint64 = 3
	tvecVectored uint64 = 1
)

// vsAlias maps an S-level CSR to the VS CSR that replaces it while V=1.
var vsAlias = map[riscv.CSR]riscv.CSR{
	riscv.CSRSstatus:  riscv.CSRVsstatus,
	riscv.CSRSie:      riscv.CSRVsie,
	riscv.CSRStvec:    riscv.CSRVstvec,
	riscv.CSRSscratch: riscv.CSRVsscratch,
	riscv.CSRSepc:     riscv.CSRVsepc,
	riscv.CSRScause:   riscv.CSRVscause,
	riscv.CSRStval:    riscv.CSRVstval,
	riscv.CSRSip:      riscv.CSRVsip,
	riscv.CSRSatp:     riscv.CSRVsatp,
}

// csrRead reads a CSR by number without privilege checks.
func (h *Hart) csrRead(csr riscv.CSR) (uint64, bool) {
	switch csr {
	case riscv.CSRCycle, riscv.CSRTime:
		return h.Cycle, true
	case riscv.CSRInstret:
		return h.Instret, true

	case riscv.CSRSstatus:
		return h.sstatus | statusUXL64, true
	case riscv.CSRSie:
		return h.sie, true
	case riscv.CSRSip:
		return h.sip, true
	case riscv.CSRStvec:
		return h.stvec, true
	case riscv.CSRScounteren:
		return h.scounteren, true
	case riscv.CSRSscratch:
		return h.sscratch, true
	case riscv.CSRSepc:
		return h.sepc, true
	case riscv.CSRScause:
		return h.scause, true
	case riscv.CSRStval:
		return h.stval, true
	case riscv.CSRSatp:
		return h.satp, true

	case riscv.CSRHstatus:
		return h.hstatus, true
	case riscv.CSRHedeleg:
		return h.hedeleg, true
	case riscv.CSRHideleg:
		return h.hideleg, true
	case riscv.CSRHie:
		return h.hie, true
	case riscv.CSRHip:
		return h.hvip & riscv.IPVirtual, true
	case riscv.CSRHvip:
		return h.hvip, true
	case riscv.CSRHcounteren:
		return h.hcounteren, true
	case riscv.CSRHgeie:
		return h.hgeie, true
	case riscv.CSRHtval:
		return h.htval, true
	case riscv.CSRHtinst:
		return h.htinst, true
	case riscv.CSRHgatp:
		return h.hgatp, true

	case riscv.CSRVsstatus:
		return h.vsstatus | statusUXL64, true
	case riscv.CSRVsie:
		return (h.hie & h.hideleg & riscv.IPVirtual) >> 1, true
	case riscv.CSRVsip:
		return (h.hvip & h.hideleg & riscv.IPVirtual) >> 1, true
	case riscv.CSRVstvec:
		return h.vstvec, true
	case riscv.CSRVsscratch:
		return h.vsscratch, true
	case riscv.CSRVsepc:
		return h.vsepc, true
	case riscv.CSRVscause:
		return h.vscause, true
	case riscv.CSRVstval:
		return h.vstval, true
	case riscv.CSRVsatp:
		return h.vsatp, true
	}
	return 0, false
}

// csrWrite writes a CSR by number without privilege checks. WARL fields
// keep their legal values.
func (h *Hart) csrWrite(csr riscv.CSR, val uint64) bool {
	switch csr {
	case riscv.CSRSstatus:
		h.sstatus = val & statusMask
	case riscv.CSRSie:
		h.sie = val & riscv.IPSupervisor
	case riscv.CSRSip:
		h.sip = h.sip&^riscv.IPSSIP | val&riscv.IPSSIP
	case riscv.CSRStvec:
		h.stvec = legalTvec(val)
	case riscv.CSRScounteren:
		h.scounteren = val & 0xffffffff
	case riscv.CSRSscratch:
		h.sscratch = val
	case riscv.CSRSepc:
		h.sepc = val &^ 3
	case riscv.CSRScause:
		h.scause = val
	case riscv.CSRStval:
		h.stval = val
	case riscv.CSRSatp:
		h.satp = legalATP(h.satp, val)

	case riscv.CSRHstatus:
		h.hstatus = val&hstatusMask | riscv.HstatusVSXL64
	case riscv.CSRHedeleg:
		h.hedeleg = val & hedelegMask
	case riscv.CSRHideleg:
		h.hideleg = val & riscv.IPVirtual
	case riscv.CSRHie:
		h.hie = val & riscv.IPVirtual
	case riscv.CSRHip:
		h.hvip = h.hvip&^riscv.IPVSSIP | val&riscv.IPVSSIP
	case riscv.CSRHvip:
		h.hvip = val & riscv.IPVirtual
	case riscv.CSRHcounteren:
		h.hcounteren = val & 0xffffffff
	case riscv.CSRHgeie:
		// No guest external interrupt lines.
	case riscv.CSRHtval:
		h.htval = val
	case riscv.CSRHtinst:
		h.htinst = val
	case riscv.CSRHgatp:
		mode := val >> riscv.ATPModeShift
		if mode == riscv.ATPModeBare || mode == riscv.ATPModeSv48x4 {
			h.hgatp = val & (0xf<<riscv.ATPModeShift | 0x3fff<<riscv.ATPIDShift | riscv.ATPPPNMask)
		}

	case riscv.CSRVsstatus:
		h.vsstatus = val & statusMask
	case riscv.CSRVsie:
		writable := h.hideleg & riscv.IPVirtual
		h.hie = h.hie&^writable | (val<<1)&writable
	case riscv.CSRVsip:
		writable := h.hideleg & riscv.IPVSSIP
		h.hvip = h.hvip&^writable | (val<<1)&writable
	case riscv.CSRVstvec:
		h.vstvec = legalTvec(val)
	case riscv.CSRVsscratch:
		h.vsscratch = val
	case riscv.CSRVsepc:
		h.vsepc = val &^ 3
	case riscv.CSRVscause:
		h.vscause = val
	case riscv.CSRVstval:
		h.vstval = val
	case riscv.CSRVsatp:
		h.vsatp = legalATP(h.vsatp, val)

	default:
		return false
	}
	return true
}

func legalTvec(val uint64) uint64 {
	if val&tvecModeMask > tvecVectored {
		val &^= tvecModeMask
	}
	return val
}

func legalATP(old, val uint64) uint64 {
	switch val >> riscv.ATPModeShift {
	case riscv.ATPModeBare, riscv.ATPModeSv39, riscv.ATPModeSv48:
		return val
	}
	return old
}

// csrAccess resolves csr for an instruction executing in the current mode.
// It returns the CSR to operate on after VS aliasing, or the exception the
// access raises.
func (h *Hart) csrAccess(insn uint32, csr riscv.CSR, write bool) (riscv.CSR, error) {
	level := uint8(csr>>8) & 3
	readOnly := (csr>>10)&3 == 3

	if write && readOnly {
		return 0, illegal(insn)
	}

	switch level {
	case 0:
		// Counters are always readable.
	case 1:
		if h.Priv < PrivSupervisor {
			if h.Virt {
				return 0, virtualInsn(insn)
			}
			return 0, illegal(insn)
		}
		if h.Virt {
			if alias, ok := vsAlias[csr]; ok {
				if csr == riscv.CSRSatp && h.hstatus&riscv.HstatusVTVM != 0 {
					return 0, virtualInsn(insn)
				}
				csr = alias
			}
		}
	case 2:
		if h.Virt {
			return 0, virtualInsn(insn)
		}
		if h.Priv < PrivSupervisor {
			return 0, illegal(insn)
		}
	default:
		return 0, illegal(insn)
	}

	if _, ok := h.csrRead(csr); !ok {
		return 0, illegal(insn)
	}
	return csr, nil
}

// pendingInterrupt returns the interrupt the hart should take before the
// next instruction, if any, and whether it is handled in VS-mode.
func (h *Hart) pendingInterrupt() (cause uint64, toVS bool, ok bool) {
	// HS-level interrupts preempt any V=1 mode and U-mode, and are taken in
	// HS-mode when sstatus.SIE is set.
	pending := h.sip & h.sie & riscv.IPSupervisor
	if pending != 0 && (h.Virt || h.Priv < PrivSupervisor || h.sstatus&riscv.SstatusSIE != 0) {
		return highestPriority(pending), false, true
	}

	// VS-level interrupts only ever target a running guest.
	if !h.Virt {
		return 0, false, false
	}
	vpending := h.hvip & h.hie & h.hideleg & riscv.IPVirtual
	if vpending != 0 && (h.Priv < PrivSupervisor || h.vsstatus&riscv.SstatusSIE != 0) {
		// The guest sees VS interrupts under their S-level codes.
		cause := highestPriority(vpending >> 1)
		return cause, true, true
	}
	return 0, false, false
}

// highestPriority orders external > software > timer.
func highestPriority(pending uint64) uint64 {
	switch {
	case pending&riscv.IPSEIP != 0:
		return riscv.CauseSExternalInt
	case pending&riscv.IPSSIP != 0:
		return riscv.CauseSSoftwareInt
	case pending&riscv.IPSTIP != 0:
		return riscv.CauseSTimerInt
	case pending&riscv.IPVSEIP != 0:
		return riscv.CauseVSExternalInt
	case pending&riscv.IPVSSIP != 0:
		return riscv.CauseVSSoftwareInt
	default:
		return riscv.CauseVSTimerInt
	}
}

// raise takes exc as a trap, into VS-mode when delegated and otherwise into
// HS-mode.
func (h *Hart) raise(exc ExceptionError) {
	if h.Virt && h.hedeleg&(1<<exc.Cause) != 0 {
		h.trapToVS(exc.Cause, exc.Tval)
		return
	}
	h.trapToHS(exc.Cause, exc.Tval, exc.GPA, h.Virt && exc.Virtual)
}

// trapToHS enters HS-mode at stvec.
func (h *Hart) trapToHS(cause, tval, gpa uint64, gva bool) {
	hstatus := h.hstatus &^ (riscv.HstatusSPV | riscv.HstatusGVA)
	if h.Virt {
		hstatus |= riscv.HstatusSPV
		hstatus &^= riscv.HstatusSPVP
		if h.Priv == PrivSupervisor {
			hstatus |= riscv.HstatusSPVP
		}
	}
	if gva {
		hstatus |= riscv.HstatusGVA
	}
	h.hstatus = hstatus

	h.sepc = h.PC
	h.scause = cause
	h.stval = tval
	h.htval = 0
	h.htinst = 0
	if riscv.IsGuestPageFault(cause) {
		h.htval = gpa >> 2
	}

	status := h.sstatus &^ (riscv.SstatusSPIE | riscv.SstatusSPP)
	if h.sstatus&riscv.SstatusSIE != 0 {
		status |= riscv.SstatusSPIE
	}
	if h.Priv == PrivSupervisor {
		status |= riscv.SstatusSPP
	}
	h.sstatus = status &^ riscv.SstatusSIE

	h.Virt = false
	h.Priv = PrivSupervisor
	h.PC = trapVector(h.stvec, cause)
	h.reservationValid = false
	h.trapped = true

	slog.Debug("hart trap",
		"cause", riscv.CauseName(cause),
		"sepc", h.sepc,
		"stval", h.stval,
		"htval", h.htval,
		"spv", hstatus&riscv.HstatusSPV != 0,
	)
}

// trapToVS enters VS-mode at vstvec without leaving the guest.
func (h *Hart) trapToVS(cause, tval uint64) {
	h.vsepc = h.PC
	h.vscause = cause
	h.vstval = tval

	status := h.vsstatus &^ (riscv.SstatusSPIE | riscv.SstatusSPP)
	if h.vsstatus&riscv.SstatusSIE != 0 {
		status |= riscv.SstatusSPIE
	}
	if h.Priv == PrivSupervisor {
		status |= riscv.SstatusSPP
	}
	h.vsstatus = status &^ riscv.SstatusSIE

	h.Priv = PrivSupervisor
	h.PC = trapVector(h.vstvec, cause)
	h.reservationValid = false
}

func trapVector(tvec, cause uint64) uint64 {
	base := tvec &^ tvecModeMask
	if tvec&tvecModeMask == tvecVectored && riscv.IsInterrupt(cause) {
		return base + 4*riscv.CauseCode(cause)
	}
	return base
}

// sret returns from the current S-level trap handler.
func (h *Hart) sret(insn uint32) error {
	if h.Priv < PrivSupervisor {
		if h.Virt {
			return virtualInsn(insn)
		}
		return illegal(insn)
	}

	if h.Virt {
		if h.hstatus&riscv.HstatusVTSR != 0 {
			return virtualInsn(insn)
		}
		h.Priv, h.vsstatus = returnFrom(h.vsstatus)
		h.next = h.vsepc
		return nil
	}

	h.Virt = h.hstatus&riscv.HstatusSPV != 0
	h.hstatus &^= riscv.HstatusSPV
	h.Priv, h.sstatus = returnFrom(h.sstatus)
	h.next = h.sepc
	return nil
}

// returnFrom pops the privilege and interrupt-enable stack of a status
// register.
func returnFrom(status uint64) (uint8, uint64) {
	priv := PrivUser
	if status&riscv.SstatusSPP != 0 {
		priv = PrivSupervisor
	}
	if status&riscv.SstatusSPIE != 0 {
		status |= riscv.SstatusSIE
	} else {
		status &^= riscv.SstatusSIE
	}
	status |= riscv.SstatusSPIE
	status &^= riscv.SstatusSPP
	return priv, status
}
