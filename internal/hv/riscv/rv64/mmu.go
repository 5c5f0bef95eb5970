package rv64

import (
	"github.com/tinyrange/rvh/internal/hv/riscv"
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	pageShift = 12
	vpnBits   = 9
	ppnMask   = (uint64(1) << 44) - 1

	// Sv48x4 widens the root index by two bits.
	gstageAddrBits = 50
	gstageRootBits = vpnBits + 2
	tableEntries   = 1 << vpnBits
)

type access int

const (
	accessRead access = iota
	accessWrite
	accessExec
)

func (a access) pageFault() uint64 {
	switch a {
	case accessWrite:
		return riscv.CauseStorePageFault
	case accessExec:
		return riscv.CauseInsnPageFault
	default:
		return riscv.CauseLoadPageFault
	}
}

func (a access) guestPageFault() uint64 {
	switch a {
	case accessWrite:
		return riscv.CauseStoreGuestPageFault
	case accessExec:
		return riscv.CauseInsnGuestPageFault
	default:
		return riscv.CauseLoadGuestPageFault
	}
}

func (a access) accessFault() uint64 {
	switch a {
	case accessWrite:
		return riscv.CauseStoreAccessFault
	case accessExec:
		return riscv.CauseInsnAccessFault
	default:
		return riscv.CauseLoadAccessFault
	}
}

// translate maps a virtual address in the current mode to a host physical
// address. While V=1 this is the two-stage VS then G translation.
func (h *Hart) translate(vaddr uint64, acc access) (uint64, error) {
	if !h.Virt {
		return h.walk(h.satp, vaddr, acc, h.Priv, h.sstatus, func(addr uint64) (uint64, error) {
			return addr, nil
		})
	}

	gpa, err := h.walk(h.vsatp, vaddr, acc, h.Priv, h.vsstatus, func(addr uint64) (uint64, error) {
		// Implicit reads of the guest's own page tables go through the
		// G-stage and fault as the access that caused them.
		return h.gstage(addr, vaddr, acc)
	})
	if err != nil {
		return 0, err
	}
	return h.gstage(gpa, vaddr, acc)
}

// walk performs a single-stage Sv39/Sv48 translation rooted at atp. Table
// addresses pass through tableAddr before they are read.
func (h *Hart) walk(atp, vaddr uint64, acc access, priv uint8, status uint64, tableAddr func(uint64) (uint64, error)) (uint64, error) {
	var levels int
	switch atp >> riscv.ATPModeShift {
	case riscv.ATPModeBare:
		return vaddr, nil
	case riscv.ATPModeSv39:
		levels = 3
	case riscv.ATPModeSv48:
		levels = 4
	default:
		return 0, addressException(acc.pageFault(), vaddr)
	}

	fault := addressException(acc.pageFault(), vaddr)

	// Addresses must be sign-extended from the top translated bit.
	vaBits := pageShift + vpnBits*levels
	if uint64(signExtend(vaddr, vaBits)) != vaddr {
		return 0, fault
	}

	table := (atp & riscv.ATPPPNMask) << pageShift
	for level := levels - 1; level >= 0; level-- {
		idx := (vaddr >> (pageShift + vpnBits*level)) & (tableEntries - 1)
		pteAddr, err := tableAddr(table + idx*8)
		if err != nil {
			return 0, err
		}
		pte, err := h.Mem.Read(pteAddr, 8)
		if err != nil {
			return 0, addressException(acc.accessFault(), vaddr)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, fault
		}
		ppn := (pte >> 10) & ppnMask
		if pte&(PteR|PteX) == 0 {
			table = ppn << pageShift
			continue
		}

		if !leafPermits(pte, acc, priv, status) {
			return 0, fault
		}
		return leafAddress(ppn, level, vaddr, fault)
	}
	return 0, fault
}

// gstage translates a guest physical address through hgatp (Sv48x4).
// Leaves must carry U: the G-stage treats every guest access as a user
// access.
func (h *Hart) gstage(gpa, vaddr uint64, acc access) (uint64, error) {
	if h.hgatp>>riscv.ATPModeShift == riscv.ATPModeBare {
		return gpa, nil
	}

	fault := ExceptionError{Cause: acc.guestPageFault(), Tval: vaddr, GPA: gpa, Virtual: true}
	if gpa>>gstageAddrBits != 0 {
		return 0, fault
	}

	table := (h.hgatp & riscv.ATPPPNMask) << pageShift
	for level := 3; level >= 0; level-- {
		idx := (gpa >> (pageShift + vpnBits*level)) & (tableEntries - 1)
		if level == 3 {
			idx = (gpa >> (pageShift + vpnBits*level)) & (1<<gstageRootBits - 1)
			// The root table is a single page.
			if idx >= tableEntries {
				return 0, fault
			}
		}
		pte, err := h.Mem.Read(table+idx*8, 8)
		if err != nil {
			return 0, addressException(acc.accessFault(), vaddr)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, fault
		}
		ppn := (pte >> 10) & ppnMask
		if pte&(PteR|PteX) == 0 {
			table = ppn << pageShift
			continue
		}

		if pte&PteU == 0 || !leafPermits(pte, acc, PrivUser, h.sstatus) {
			return 0, fault
		}
		return leafAddress(ppn, level, gpa, fault)
	}
	return 0, fault
}

// leafPermits checks a leaf's R/W/X/U bits. A and D are not checked or
// updated: page tables built by the hypervisor never set them.
func leafPermits(pte uint64, acc access, priv uint8, status uint64) bool {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return false
		}
	} else if pte&PteU != 0 {
		if acc == accessExec || status&riscv.SstatusSUM == 0 {
			return false
		}
	}

	switch acc {
	case accessRead:
		return pte&PteR != 0 || (status&riscv.SstatusMXR != 0 && pte&PteX != 0)
	case accessWrite:
		return pte&PteW != 0
	default:
		return pte&PteX != 0
	}
}

func leafAddress(ppn uint64, level int, addr uint64, fault error) (uint64, error) {
	pageBits := pageShift + vpnBits*level
	if level > 0 && ppn&((1<<(vpnBits*level))-1) != 0 {
		// Misaligned superpage.
		return 0, fault
	}
	offsetMask := uint64(1)<<pageBits - 1
	return (ppn << pageShift) | (addr & offsetMask), nil
}
