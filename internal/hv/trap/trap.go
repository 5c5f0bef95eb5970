// Package trap routes every trap the hart takes into HS-mode while a guest
// runs. The router captures the trapped state, sorts it into a Class, reports
// it and decides whether the guest halts or resumes.
//
// Only interrupts can resume, and only under PolicyIgnore. Everything else
// is a fatal *hv.Error.
package trap

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/hv/riscv"
)

// Class is the router's view of a trap.
type Class int

const (
	ClassUnknown Class = iota
	ClassGuestPageFault
	ClassGuestSupervisorCall
	ClassGuestException
	ClassHypervisorInterrupt
	ClassHostException
)

func (c Class) String() string {
	switch c {
	case ClassGuestPageFault:
		return "guest page fault"
	case ClassGuestSupervisorCall:
		return "guest supervisor call"
	case ClassGuestException:
		return "guest exception"
	case ClassHypervisorInterrupt:
		return "hypervisor interrupt"
	case ClassHostException:
		return "host exception"
	default:
		return "unknown"
	}
}

// Kind is the hv.Kind a halt in this class is reported as.
func (c Class) Kind() hv.Kind {
	switch c {
	case ClassGuestPageFault:
		return hv.KindGuestPageFault
	case ClassGuestSupervisorCall:
		return hv.KindGuestSupervisorCall
	case ClassGuestException:
		return hv.KindGuestException
	case ClassHypervisorInterrupt:
		return hv.KindHypervisorInterrupt
	default:
		return hv.KindHostException
	}
}

// Policy says what happens to interrupts taken while the guest runs.
type Policy int

const (
	// PolicyFatal halts the guest on any interrupt.
	PolicyFatal Policy = iota
	// PolicyIgnore masks the interrupt source and resumes the guest.
	PolicyIgnore
)

func (p Policy) String() string {
	if p == PolicyIgnore {
		return "ignore"
	}
	return "fatal"
}

// ParsePolicy accepts "fatal" and "ignore".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fatal":
		return PolicyFatal, nil
	case "ignore":
		return PolicyIgnore, nil
	default:
		return PolicyFatal, fmt.Errorf("trap: unknown interrupt policy %q", s)
	}
}

// Action is what the VCpu does after the router returns.
type Action int

const (
	ActionHalt Action = iota
	ActionResume
)

func (a Action) String() string {
	if a == ActionResume {
		return "resume"
	}
	return "halt"
}

// Decision is the outcome of handling one trap.
type Decision struct {
	Action Action
	Class  Class
	// Skip asks the resume path to step sepc past the trapping instruction.
	Skip bool
	// Err is set when Action is ActionHalt.
	Err error
}

// Context is the hart state captured at trap entry. It belongs to the router
// while the trap is handled and is handed back to the VCpu to resume from.
type Context struct {
	Cause   uint64
	Tval    uint64
	Htval   uint64
	Htinst  uint64
	Sepc    uint64
	Hstatus uint64
	Sstatus uint64
	GPR     [32]uint64
}

// Capture saves the trap CSRs and all 32 GPRs.
func Capture(h riscv.Hart) *Context {
	ctx := &Context{
		Cause:   h.ReadCSR(riscv.CSRScause),
		Tval:    h.ReadCSR(riscv.CSRStval),
		Htval:   h.ReadCSR(riscv.CSRHtval),
		Htinst:  h.ReadCSR(riscv.CSRHtinst),
		Sepc:    h.ReadCSR(riscv.CSRSepc),
		Hstatus: h.ReadCSR(riscv.CSRHstatus),
		Sstatus: h.ReadCSR(riscv.CSRSstatus),
	}
	for i := range ctx.GPR {
		ctx.GPR[i] = h.ReadGPR(i)
	}
	return ctx
}

// Interrupt reports whether the trap was an interrupt.
func (c *Context) Interrupt() bool { return riscv.IsInterrupt(c.Cause) }

// FromGuest reports whether the trap was taken with V=1.
func (c *Context) FromGuest() bool { return c.Hstatus&riscv.HstatusSPV != 0 }

// GPA is the faulting guest physical address of a guest page fault.
func (c *Context) GPA() uint64 { return c.Htval<<2 | c.Tval&3 }

// Classify sorts a captured trap.
func Classify(c *Context) Class {
	switch {
	case c.Interrupt():
		return ClassHypervisorInterrupt
	case !c.FromGuest():
		return ClassHostException
	case riscv.IsGuestPageFault(c.Cause):
		return ClassGuestPageFault
	case c.Cause == riscv.CauseEcallFromVS:
		return ClassGuestSupervisorCall
	default:
		return ClassGuestException
	}
}

// Router is the HS-mode trap handler. Dispatch runs to completion on the
// VCpu goroutine between two guest entries, so it is never reentered.
type Router struct {
	// Vector is the address written to stvec.
	Vector uint64
	Policy Policy

	out       io.Writer
	installed bool
}

// NewRouter returns a router that writes its reports to out. A nil out
// discards them.
func NewRouter(vector uint64, policy Policy, out io.Writer) *Router {
	if out == nil {
		out = io.Discard
	}
	return &Router{Vector: vector, Policy: policy, out: out}
}

// Install points stvec at the router in direct mode, disables HS interrupts
// while handling and enables the HS interrupt sources so they preempt the
// guest.
func (r *Router) Install(h riscv.Hart) {
	h.WriteCSR(riscv.CSRStvec, r.Vector&^3)
	h.WriteCSR(riscv.CSRSstatus, h.ReadCSR(riscv.CSRSstatus)&^riscv.SstatusSIE)
	h.WriteCSR(riscv.CSRSie, riscv.IPSupervisor)
	r.installed = true
	slog.Debug("trap router installed", "vector", fmt.Sprintf("%#x", r.Vector), "policy", r.Policy)
}

// Installed reports whether Install has run.
func (r *Router) Installed() bool { return r.installed }

// Handle reports c and decides what happens next.
func (r *Router) Handle(c *Context) Decision {
	class := Classify(c)
	r.report(class, c)

	if class == ClassHypervisorInterrupt && r.Policy == PolicyIgnore {
		return Decision{Action: ActionResume, Class: class}
	}

	addr := c.Sepc
	if class == ClassGuestPageFault {
		addr = c.GPA()
	}
	return Decision{
		Action: ActionHalt,
		Class:  class,
		Err: hv.NewError(class.Kind(), "trap", addr, "%s, sepc %#x",
			riscv.CauseName(c.Cause), c.Sepc),
	}
}

// Dispatch captures the trap the hart just took, handles it and applies the
// side effects of the decision to the hart.
func (r *Router) Dispatch(h riscv.Hart) (*Context, Decision) {
	c := Capture(h)
	d := r.Handle(c)
	if d.Action == ActionResume && c.Interrupt() {
		// Mask the source so the guest makes progress.
		bit := uint64(1) << riscv.CauseCode(c.Cause)
		h.WriteCSR(riscv.CSRSie, h.ReadCSR(riscv.CSRSie)&^bit)
	}
	return c, d
}
