// Package vmm assembles a bootable machine from a configuration: the host
// memory arena, the stage-2 page table, the loaded guest, the trap router
// and the virtual CPU that runs it.
package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvh/internal/config"
	"github.com/tinyrange/rvh/internal/hv/riscv/rv64"
	"github.com/tinyrange/rvh/internal/hv/stage2"
	"github.com/tinyrange/rvh/internal/hv/trap"
	"github.com/tinyrange/rvh/internal/hv/vcpu"
	"github.com/tinyrange/rvh/internal/linux/boot/riscv64"
	"github.com/tinyrange/rvh/internal/mem"
)

// Options carries the host-side hooks of a machine.
type Options struct {
	// Console receives trap reports. Nil discards them.
	Console io.Writer
	// Progress is called while guest RAM is mapped.
	Progress func(mapped, total uint64)
}

// Machine is a single-hart guest ready to run.
type Machine struct {
	cfg config.Config

	phys   *mem.PhysicalMemory
	alloc  *mem.BumpAllocator
	table  *stage2.GuestPageTable
	hart   *rv64.Hart
	router *trap.Router
	cpu    *vcpu.VCpu
	plan   *riscv64.BootPlan
}

// New validates cfg, loads image and prepares the virtual CPU. Nothing runs
// until Run is called. The returned machine must be closed.
func New(cfg config.Config, image []byte, opts Options) (m *Machine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	phys := mem.NewPhysicalMemory()
	m = &Machine{cfg: cfg, phys: phys, alloc: &mem.BumpAllocator{}}
	defer func() {
		if err != nil {
			phys.Close()
		}
	}()

	if _, err := m.phys.Map("host", cfg.HostBase, cfg.HostSize); err != nil {
		return nil, fmt.Errorf("vmm: host memory: %w", err)
	}
	// The first page is the trap vector.
	if err := m.alloc.Init(m.phys, cfg.HostBase+mem.PageSize, cfg.HostSize-mem.PageSize); err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	if m.table, err = stage2.New(m.alloc, m.phys); err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	loader := &riscv64.Loader{Table: m.table, Alloc: m.alloc, Mem: m.phys, Progress: opts.Progress}
	if m.plan, err = loader.LoadLinux(image, cfg.BootOptions()); err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	m.hart = rv64.NewHart(m.phys)
	if cfg.BatchSize > 0 {
		m.hart.BatchSize = cfg.BatchSize
	}
	m.router = trap.NewRouter(cfg.HostBase, cfg.Policy(), opts.Console)
	m.router.Install(m.hart)

	m.cpu = vcpu.New(m.hart, m.router, m.table.ActivationValue(), m.plan.EntryPoint)
	m.cpu.SetBootArgs(0, m.plan.DTBBase)

	slog.Debug("machine ready",
		"entry", fmt.Sprintf("%#x", m.plan.EntryPoint),
		"dtb", fmt.Sprintf("%#x", m.plan.DTBBase),
		"tables", m.table.Tables(),
		"heap_used", m.alloc.Used())
	return m, nil
}

// Run enters the guest and returns the error that halted it. The configured
// timeout, if any, bounds the run.
func (m *Machine) Run(ctx context.Context) error {
	if t := m.cfg.Timeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	err := m.cpu.Run(ctx)
	slog.Info("guest halted", "state", m.cpu.State(), "err", err)
	return err
}

// Plan returns where the guest was loaded.
func (m *Machine) Plan() *riscv64.BootPlan { return m.plan }

// VCpu returns the machine's virtual CPU.
func (m *Machine) VCpu() *vcpu.VCpu { return m.cpu }

// Table returns the stage-2 page table.
func (m *Machine) Table() *stage2.GuestPageTable { return m.table }

// ReadGuest copies len(p) bytes of guest memory at gpa into p. The range
// must not cross a page boundary.
func (m *Machine) ReadGuest(gpa uint64, p []byte) error {
	if gpa&mem.PageMask+uint64(len(p)) > mem.PageSize {
		return fmt.Errorf("vmm: read %#x+%d crosses a page", gpa, len(p))
	}
	hpa, _, ok := m.table.Translate(gpa)
	if !ok {
		return fmt.Errorf("vmm: %#x is not mapped", gpa)
	}
	_, err := m.phys.ReadAt(p, int64(hpa))
	return err
}

// Close releases host memory.
func (m *Machine) Close() error {
	if m == nil {
		return nil
	}
	return m.phys.Close()
}
