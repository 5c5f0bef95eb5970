// Package vcpu performs the world switch into a guest and back.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/hv/riscv"
	"github.com/tinyrange/rvh/internal/hv/trap"
)

type State int

const (
	StateCreated State = iota
	StateRunning
	StateTrapped
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTrapped:
		return "trapped"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dispatcher handles the trap the hart returned with. *trap.Router is the
// implementation.
type Dispatcher interface {
	Installed() bool
	Dispatch(h riscv.Hart) (*trap.Context, trap.Decision)
}

var _ Dispatcher = (*trap.Router)(nil)

// VCpu is one guest hart. It references the guest page table only through
// its hgatp activation value.
type VCpu struct {
	hart       riscv.Hart
	router     Dispatcher
	activation uint64
	entry      uint64

	regs      [32]uint64
	state     State
	last      *trap.Context
	activated bool
}

// New binds a VCpu to a hart. Nothing is written to the hart until Run.
func New(h riscv.Hart, router Dispatcher, activation, entry uint64) *VCpu {
	return &VCpu{
		hart:       h,
		router:     router,
		activation: activation,
		entry:      entry,
	}
}

// SetRegister sets the value a GPR holds when the guest first runs.
func (v *VCpu) SetRegister(reg int, value uint64) {
	if reg > 0 && reg < len(v.regs) {
		v.regs[reg] = value
	}
}

// SetBootArgs sets the Linux boot registers: a0 = hart id, a1 = device tree.
func (v *VCpu) SetBootArgs(hartID, dtb uint64) {
	v.SetRegister(riscv.RegA0, hartID)
	v.SetRegister(riscv.RegA1, dtb)
}

func (v *VCpu) State() State { return v.state }

// Context returns the state captured at the most recent trap, or nil.
func (v *VCpu) Context() *trap.Context { return v.last }

// Entry returns the guest PC the first Run starts at.
func (v *VCpu) Entry() uint64 { return v.entry }

func (v *VCpu) setState(s State) {
	if v.state == s {
		return
	}
	slog.Debug("vcpu state", "from", v.state, "to", s)
	v.state = s
}

// Run enters the guest and keeps re-entering it for as long as the router
// resumes. It returns the router's error when the guest halts, or an error
// wrapping hv.ErrInterrupted when ctx ends first.
func (v *VCpu) Run(ctx context.Context) error {
	if v.router == nil || !v.router.Installed() {
		return hv.NewError(hv.KindNotInstalled, "vcpu run", 0, "")
	}
	if v.state == StateHalted {
		return hv.ErrVMHalted
	}

	for i, r := range v.regs {
		v.hart.WriteGPR(i, r)
	}
	pc := v.entry
	var resume *trap.Context

	for {
		v.enter(pc, resume)
		v.setState(StateRunning)

		if err := v.hart.Sret(ctx); err != nil {
			v.setState(StateHalted)
			if ctx.Err() != nil {
				return fmt.Errorf("vcpu: %w: %w", hv.ErrInterrupted, err)
			}
			return fmt.Errorf("vcpu: enter guest: %w", err)
		}

		v.setState(StateTrapped)
		c, d := v.router.Dispatch(v.hart)
		v.last = c

		if d.Action != trap.ActionResume {
			v.setState(StateHalted)
			if d.Err == nil {
				return hv.ErrVMHalted
			}
			return d.Err
		}

		for i, r := range c.GPR {
			v.hart.WriteGPR(i, r)
		}
		pc = c.Sepc
		if d.Skip {
			pc += 4
		}
		resume = c
	}
}

// enter programs the hart so that the next sret lands in the guest at pc.
// The first entry is into VS-mode. A resume returns to the privilege the
// guest trapped from, as recorded in c.
func (v *VCpu) enter(pc uint64, c *trap.Context) {
	h := v.hart
	if !v.activated {
		h.WriteCSR(riscv.CSRHgatp, v.activation)
		v.activated = true
	}

	spvp, spp := riscv.HstatusSPVP, riscv.SstatusSPP
	if c != nil {
		spvp = c.Hstatus & riscv.HstatusSPVP
		spp = c.Sstatus & riscv.SstatusSPP
	}
	hstatus := h.ReadCSR(riscv.CSRHstatus) &^ (riscv.HstatusVSXL | riscv.HstatusSPVP)
	h.WriteCSR(riscv.CSRHstatus, hstatus|riscv.HstatusVSXL64|riscv.HstatusSPV|spvp)
	h.WriteCSR(riscv.CSRSstatus, h.ReadCSR(riscv.CSRSstatus)&^riscv.SstatusSPP|spp)
	h.WriteCSR(riscv.CSRSepc, pc)
}

// Halted reports whether err ended a guest: a router halt or an interrupt.
func Halted(err error) bool {
	return errors.Is(err, hv.ErrVMHalted) || errors.Is(err, hv.ErrInterrupted)
}
