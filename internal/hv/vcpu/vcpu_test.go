package vcpu

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/rvh/internal/asm"
	rvasm "github.com/tinyrange/rvh/internal/asm/riscv"
	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/hv/riscv"
	"github.com/tinyrange/rvh/internal/hv/riscv/rv64"
	"github.com/tinyrange/rvh/internal/hv/stage2"
	"github.com/tinyrange/rvh/internal/hv/trap"
	"github.com/tinyrange/rvh/internal/mem"
)

const (
	hostBase   = 0x8000_0000
	hostSize   = 2 << 20
	routerAddr = hostBase
	guestEntry = 0x8020_0000
)

type guest struct {
	hart *rv64.Hart
	pt   *stage2.GuestPageTable
	out  *bytes.Buffer
}

func newGuest(t *testing.T, policy trap.Policy, frags ...asm.Fragment) (*guest, *trap.Router) {
	t.Helper()
	phys := mem.NewPhysicalMemory()
	if _, err := phys.Map("host", hostBase, hostSize); err != nil {
		t.Fatalf("map: %v", err)
	}
	t.Cleanup(func() { phys.Close() })

	alloc := &mem.BumpAllocator{}
	if err := alloc.Init(phys, hostBase+mem.PageSize, hostSize-mem.PageSize); err != nil {
		t.Fatalf("allocator: %v", err)
	}
	pt, err := stage2.New(alloc, phys)
	if err != nil {
		t.Fatalf("page table: %v", err)
	}

	code := rvasm.MustEmit(frags...)
	size := mem.PageAlignUp(uint64(len(code)))
	hpa, err := alloc.Allocate(size)
	if err != nil {
		t.Fatalf("allocate code: %v", err)
	}
	if _, err := phys.WriteAt(code, int64(hpa)); err != nil {
		t.Fatalf("copy code: %v", err)
	}
	for off := uint64(0); off < size; off += mem.PageSize {
		if err := pt.Map(guestEntry+off, hpa+off, stage2.FlagsRWX); err != nil {
			t.Fatalf("map code: %v", err)
		}
	}

	g := &guest{hart: rv64.NewHart(phys), pt: pt, out: &bytes.Buffer{}}
	return g, trap.NewRouter(routerAddr, policy, g.out)
}

func (g *guest) vcpu(r Dispatcher) *VCpu {
	return New(g.hart, r, g.pt.ActivationValue(), guestEntry)
}

func run(t *testing.T, v *VCpu) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.Run(ctx)
}

func TestRunWithoutRouter(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal, rvasm.Ecall())
	for _, d := range []Dispatcher{nil, r} {
		v := g.vcpu(d)
		if err := run(t, v); !hv.IsKind(err, hv.KindNotInstalled) {
			t.Fatalf("Run = %v, want KindNotInstalled", err)
		}
		if v.State() != StateCreated {
			t.Fatalf("State = %s", v.State())
		}
	}
}

func TestNewTouchesNothing(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal, rvasm.Ecall())
	r.Install(g.hart)
	before := g.hart.ReadCSR(riscv.CSRHgatp)
	v := g.vcpu(r)
	if got := g.hart.ReadCSR(riscv.CSRHgatp); got != before {
		t.Fatalf("New wrote hgatp: %#x", got)
	}
	if v.State() != StateCreated || v.Context() != nil {
		t.Fatalf("fresh vcpu: state %s, context %v", v.State(), v.Context())
	}
}

func TestHypercallHalts(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal,
		rvasm.MovImmediate(rvasm.A0, 0x2a),
		rvasm.Halt(),
	)
	r.Install(g.hart)
	v := g.vcpu(r)

	err := run(t, v)
	if !hv.IsKind(err, hv.KindGuestSupervisorCall) {
		t.Fatalf("Run = %v, want KindGuestSupervisorCall", err)
	}
	if !errors.Is(err, hv.ErrVMHalted) || !Halted(err) {
		t.Fatalf("%v does not match ErrVMHalted", err)
	}
	if v.State() != StateHalted {
		t.Fatalf("State = %s", v.State())
	}
	c := v.Context()
	if c == nil {
		t.Fatalf("no trap context")
	}
	if c.GPR[riscv.RegA7] != trap.SBIExtSRST {
		t.Fatalf("a7 = %#x", c.GPR[riscv.RegA7])
	}
	if !strings.Contains(g.out.String(), "srst.system_reset") {
		t.Fatalf("report = %q", g.out.String())
	}
	if got := g.hart.ReadCSR(riscv.CSRHgatp); got != g.pt.ActivationValue() {
		t.Fatalf("hgatp = %#x, want %#x", got, g.pt.ActivationValue())
	}
	if hs := g.hart.ReadCSR(riscv.CSRHstatus); hs&riscv.HstatusVSXL != riscv.HstatusVSXL64 {
		t.Fatalf("hstatus = %#x", hs)
	}
}

func TestStoreToUnmappedPageHalts(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal,
		rvasm.MovImmediate(rvasm.T0, 0x1000_0000),
		rvasm.MovImmediate(rvasm.T1, 1),
		rvasm.Sw(rvasm.T0, rvasm.T1, 0x44),
		rvasm.Halt(),
	)
	r.Install(g.hart)
	v := g.vcpu(r)

	err := run(t, v)
	if !hv.IsKind(err, hv.KindGuestPageFault) {
		t.Fatalf("Run = %v, want KindGuestPageFault", err)
	}
	var hvErr *hv.Error
	if !errors.As(err, &hvErr) || hvErr.Addr != 0x1000_0044 {
		t.Fatalf("faulting address in %v, want 0x10000044", err)
	}
	if got := v.Context().GPA(); got != 0x1000_0044 {
		t.Fatalf("GPA = %#x", got)
	}
}

func TestBootRegisters(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal, rvasm.Ecall())
	r.Install(g.hart)
	v := g.vcpu(r)
	v.SetBootArgs(3, 0x7000_0000)
	v.SetRegister(riscv.RegZero, 99)

	_ = run(t, v)
	c := v.Context()
	if c.GPR[riscv.RegA0] != 3 || c.GPR[riscv.RegA1] != 0x7000_0000 {
		t.Fatalf("a0 = %#x, a1 = %#x", c.GPR[riscv.RegA0], c.GPR[riscv.RegA1])
	}
	if c.GPR[riscv.RegZero] != 0 {
		t.Fatalf("x0 = %#x", c.GPR[riscv.RegZero])
	}
	if c.Sepc != guestEntry {
		t.Fatalf("sepc = %#x", c.Sepc)
	}
}

// spinThenCall counts t0 down from n and then makes an SBI call.
func spinThenCall(n int64) []asm.Fragment {
	return []asm.Fragment{
		rvasm.MovImmediate(rvasm.T0, n),
		asm.MarkLabel("loop"),
		rvasm.AddRegImm(rvasm.T0, -1),
		rvasm.Bne(rvasm.T0, rvasm.Zero, "loop"),
		rvasm.MovImmediate(rvasm.A0, 7),
		rvasm.Ecall(),
	}
}

func TestIgnoredInterruptResumes(t *testing.T) {
	g, r := newGuest(t, trap.PolicyIgnore, spinThenCall(1000)...)
	r.Install(g.hart)
	g.hart.RaiseInterrupt(riscv.IPSTIP)
	v := g.vcpu(r)

	err := run(t, v)
	if !hv.IsKind(err, hv.KindGuestSupervisorCall) {
		t.Fatalf("Run = %v, want the guest to reach its ecall", err)
	}
	c := v.Context()
	if c.GPR[riscv.RegT0] != 0 || c.GPR[riscv.RegA0] != 7 {
		t.Fatalf("t0 = %d, a0 = %d", c.GPR[riscv.RegT0], c.GPR[riscv.RegA0])
	}
	if !strings.Contains(g.out.String(), "hypervisor interrupt") {
		t.Fatalf("interrupt was not reported: %q", g.out.String())
	}
}

func TestFatalInterruptHalts(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal, spinThenCall(1000)...)
	r.Install(g.hart)
	g.hart.RaiseInterrupt(riscv.IPSEIP)
	v := g.vcpu(r)

	if err := run(t, v); !hv.IsKind(err, hv.KindHypervisorInterrupt) {
		t.Fatalf("Run = %v, want KindHypervisorInterrupt", err)
	}
	if got := v.Context().Cause; got != riscv.CauseSExternalInt {
		t.Fatalf("cause = %s", riscv.CauseName(got))
	}
}

// skipOnce resumes past the first trap and defers to the router afterwards.
type skipOnce struct {
	*trap.Router
	skipped bool
}

func (s *skipOnce) Dispatch(h riscv.Hart) (*trap.Context, trap.Decision) {
	if s.skipped {
		return s.Router.Dispatch(h)
	}
	s.skipped = true
	return trap.Capture(h), trap.Decision{Action: trap.ActionResume, Skip: true}
}

func TestResumeSkipsTrappingInstruction(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal,
		rvasm.MovImmediate(rvasm.A0, 1),
		rvasm.Ebreak(),
		rvasm.AddRegImm(rvasm.A0, 4),
		rvasm.Ecall(),
	)
	r.Install(g.hart)
	v := g.vcpu(&skipOnce{Router: r})

	err := run(t, v)
	if !hv.IsKind(err, hv.KindGuestSupervisorCall) {
		t.Fatalf("Run = %v", err)
	}
	c := v.Context()
	if c.GPR[riscv.RegA0] != 5 {
		t.Fatalf("a0 = %d, want 5", c.GPR[riscv.RegA0])
	}
	if c.Sepc != guestEntry+12 {
		t.Fatalf("sepc = %#x", c.Sepc)
	}
}

// TestResumeKeepsUserMode drops the guest to VU-mode, resumes the trap its
// ecall raises and checks that the next instruction still runs in VU-mode,
// where reading sstatus is a virtual instruction.
func TestResumeKeepsUserMode(t *testing.T) {
	// The VU code starts at byte 24: auipc at 8 plus 16.
	g, r := newGuest(t, trap.PolicyFatal,
		rvasm.MovImmediate(rvasm.T0, int64(riscv.SstatusSPP)),
		rvasm.Csrrc(rvasm.X0, uint16(riscv.CSRSstatus), rvasm.T0),
		rvasm.Auipc(rvasm.T1, 0),
		rvasm.Addi(rvasm.T1, rvasm.T1, 16),
		rvasm.Csrw(uint16(riscv.CSRSepc), rvasm.T1),
		rvasm.Sret(),
		rvasm.Ecall(),
		rvasm.Csrr(rvasm.T2, uint16(riscv.CSRSstatus)),
		rvasm.Ecall(),
	)
	r.Install(g.hart)
	d := &skipOnce{Router: r}
	v := g.vcpu(d)

	err := run(t, v)
	if !hv.IsKind(err, hv.KindGuestException) {
		t.Fatalf("Run = %v, want KindGuestException", err)
	}
	c := v.Context()
	if c.Cause != riscv.CauseVirtualInsn || c.Sepc != guestEntry+28 {
		t.Fatalf("cause %s at %#x", riscv.CauseName(c.Cause), c.Sepc)
	}
	if c.Hstatus&riscv.HstatusSPVP != 0 || c.Sstatus&riscv.SstatusSPP != 0 {
		t.Fatalf("trap not taken from VU: hstatus %#x sstatus %#x", c.Hstatus, c.Sstatus)
	}
}

func TestContextCancelHalts(t *testing.T) {
	g, r := newGuest(t, trap.PolicyFatal,
		asm.MarkLabel("spin"),
		rvasm.J("spin"),
	)
	r.Install(g.hart)
	g.hart.BatchSize = 128
	v := g.vcpu(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := v.Run(ctx)
	if !errors.Is(err, hv.ErrInterrupted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want interrupted", err)
	}
	if v.State() != StateHalted {
		t.Fatalf("State = %s", v.State())
	}
	if err := v.Run(context.Background()); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("second Run = %v, want ErrVMHalted", err)
	}
}
