package hv

import (
	"errors"
	"fmt"
)

var (
	ErrVMHalted    = errors.New("virtual machine halted")
	ErrInterrupted = errors.New("virtual machine interrupted")
)

// Kind identifies which fatal condition stopped the hypervisor. None of these
// are recoverable: they either describe a setup invariant that was violated
// before the guest ran, or a trap the router has no handler for.
type Kind int

const (
	KindInvalid Kind = iota

	// Setup and configuration errors.
	KindDoubleMap
	KindRegionOverflow
	KindBadMagic
	KindBadImage
	KindDeviceTreeTooLarge
	KindNotInstalled

	// Resource exhaustion.
	KindOutOfMemory
	KindAllocatorInitialized

	// Trap classes that end the guest.
	KindGuestPageFault
	KindGuestSupervisorCall
	KindGuestException
	KindHypervisorInterrupt
	KindHostException
)

var kindNames = map[Kind]string{
	KindInvalid:              "invalid",
	KindDoubleMap:            "already mapped",
	KindRegionOverflow:       "data is beyond the region",
	KindBadMagic:             "invalid magic",
	KindBadImage:             "malformed image",
	KindDeviceTreeTooLarge:   "device tree is too large",
	KindNotInstalled:         "trap router not installed",
	KindOutOfMemory:          "out of memory",
	KindAllocatorInitialized: "allocator already initialized",
	KindGuestPageFault:       "guest page fault",
	KindGuestSupervisorCall:  "guest supervisor call",
	KindGuestException:       "guest exception",
	KindHypervisorInterrupt:  "hypervisor interrupt",
	KindHostException:        "hypervisor exception",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Halts reports whether the kind is one the trap router raises when it stops
// the guest.
func (k Kind) Halts() bool {
	switch k {
	case KindGuestPageFault, KindGuestSupervisorCall, KindGuestException,
		KindHypervisorInterrupt, KindHostException:
		return true
	default:
		return false
	}
}

// Error is a fatal hypervisor condition.
type Error struct {
	Kind Kind
	// Op names the operation that detected the condition ("map", "load", ...).
	Op string
	// Addr is the address the condition is about, when there is one. For
	// trap kinds it is always set and may be zero.
	Addr uint64
	// Detail is free-form diagnostic text.
	Detail string
	// Err is an underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	// Trap kinds always locate the trap, even at address zero.
	if e.Addr != 0 || e.Kind.Halts() {
		msg += fmt.Sprintf(" at %#x", e.Addr)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrVMHalted) match every trap-induced halt.
func (e *Error) Is(target error) bool {
	return target == ErrVMHalted && e.Kind.Halts()
}

// NewError builds an *Error for kind with a formatted detail message.
func NewError(kind Kind, op string, addr uint64, format string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Addr: addr}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInvalid.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvalid
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
