package rv64

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/rvh/internal/hv/riscv"
)

// ErrNotHS is returned by Sret when the hart is not in HS-mode.
var ErrNotHS = errors.New("rv64: sret issued outside HS-mode")

// Sret implements riscv.Hart. It performs an HS-mode sret and runs the hart
// until a trap enters HS-mode again or ctx is done.
func (h *Hart) Sret(ctx context.Context) error {
	if h.Virt || h.Priv != PrivSupervisor {
		return ErrNotHS
	}
	if err := h.sret(insnSret); err != nil {
		return fmt.Errorf("rv64: sret: %w", err)
	}
	h.PC = h.next
	h.trapped = false

	batch := h.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < batch; i++ {
			h.Step()
			if h.trapped {
				return nil
			}
		}
	}
}

// Step takes a pending interrupt or executes one instruction. Exceptions are
// taken as traps; Step itself never fails.
func (h *Hart) Step() {
	if cause, toVS, ok := h.pendingInterrupt(); ok {
		if toVS {
			h.trapToVS(cause, 0)
		} else {
			h.trapToHS(cause, 0, 0, false)
		}
		return
	}

	insn, err := h.fetch()
	if err == nil {
		h.next = h.PC + 4
		err = h.Execute(insn)
	}
	if err != nil {
		var exc ExceptionError
		if !errors.As(err, &exc) {
			exc = ExceptionError{Cause: riscv.CauseIllegalInsn, Tval: uint64(insn)}
		}
		h.raise(exc)
		return
	}

	h.PC = h.next
	h.Cycle++
	h.Instret++
}

func (h *Hart) fetch() (uint32, error) {
	if h.PC&3 != 0 {
		return 0, addressException(riscv.CauseInsnAddrMisaligned, h.PC)
	}
	paddr, err := h.translate(h.PC, accessExec)
	if err != nil {
		return 0, err
	}
	raw, err := h.Mem.Read(paddr, 4)
	if err != nil {
		return 0, addressException(riscv.CauseInsnAccessFault, h.PC)
	}
	insn := uint32(raw)
	if insn&3 != 3 {
		// Compressed instructions are not implemented.
		return insn, illegal(insn)
	}
	return insn, nil
}
