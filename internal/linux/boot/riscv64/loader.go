package riscv64

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/hv/stage2"
	"github.com/tinyrange/rvh/internal/mem"
)

const (
	// GuestBase is where the image is loaded and entered.
	GuestBase uint64 = 0x8020_0000
	// GuestDTBAddr is where the device tree blob is mapped.
	GuestDTBAddr uint64 = 0x7000_0000
	// DefaultMemorySize is the guest RAM mapped from GuestBase.
	DefaultMemorySize uint64 = 64 << 20

	DefaultBootargs = "console=hvc earlycon=sbi panic=-1"
	DefaultISA      = "rv64imafdc"
	DefaultMMUType  = "riscv,sv48"
	DefaultTimebase = 10_000_000
)

// Mapper installs guest translations; *stage2.GuestPageTable implements it.
type Mapper interface {
	Map(gpa, hpa uint64, flags stage2.Flags) error
}

// Options configures LoadLinux.
type Options struct {
	GuestBase  uint64
	MemorySize uint64
	DTBAddr    uint64
	DeviceTree DeviceTreeParams
}

// DefaultOptions returns the standard single-hart layout.
func DefaultOptions() Options {
	return Options{
		GuestBase:  GuestBase,
		MemorySize: DefaultMemorySize,
		DTBAddr:    GuestDTBAddr,
		DeviceTree: DeviceTreeParams{
			MemoryBase: GuestBase,
			MemorySize: DefaultMemorySize,
			Bootargs:   DefaultBootargs,
			CPUs:       1,
			ISA:        DefaultISA,
			MMUType:    DefaultMMUType,
			Timebase:   DefaultTimebase,
		},
	}
}

// BootPlan describes where LoadLinux put things.
type BootPlan struct {
	EntryPoint    uint64
	KernelBase    uint64
	KernelSize    uint64
	KernelHPA     uint64
	MemorySize    uint64
	DTBBase       uint64
	DTBSize       uint64
	DTBHPA        uint64
	TextOffset    uint64
	HeaderVersion string
}

// Loader copies guest images into host memory and maps them.
type Loader struct {
	Table Mapper
	Alloc mem.Allocator
	Mem   io.WriterAt

	// Progress, when set, is called after each mapped page.
	Progress func(mapped, total uint64)
}

// CopyAndMap allocates size bytes of host memory, copies data to the start
// of it and maps it at gpa, one page at a time. It returns the host address
// of the copy. Data larger than size fails with hv.KindRegionOverflow before
// anything is allocated.
func (l *Loader) CopyAndMap(data []byte, gpa, size uint64, flags stage2.Flags) (uint64, error) {
	if uint64(len(data)) > size {
		return 0, hv.NewError(hv.KindRegionOverflow, "copy and map", gpa,
			"%d bytes into a %d byte region", len(data), size)
	}

	if size > math.MaxUint64-mem.PageMask {
		return 0, hv.NewError(hv.KindRegionOverflow, "copy and map", gpa,
			"%#x byte region has no page-aligned size", size)
	}

	pages := mem.PageAlignUp(size) / mem.PageSize
	hpa, err := l.Alloc.Allocate(pages * mem.PageSize)
	if err != nil {
		return 0, fmt.Errorf("copy and map %#x: %w", gpa, err)
	}
	if _, err := l.Mem.WriteAt(data, int64(hpa)); err != nil {
		return 0, fmt.Errorf("copy and map %#x: copy: %w", gpa, err)
	}

	for i := range pages {
		off := i * mem.PageSize
		if err := l.Table.Map(gpa+off, hpa+off, flags); err != nil {
			return 0, fmt.Errorf("copy and map %#x: %w", gpa, err)
		}
		if l.Progress != nil {
			l.Progress(i+1, pages)
		}
	}
	return hpa, nil
}

// LoadLinux validates image, maps it over the whole guest RAM region
// read-write-execute and maps a generated device tree read-only. Nothing is
// mapped when the header, size or device tree is rejected.
func (l *Loader) LoadLinux(image []byte, opts Options) (*BootPlan, error) {
	header, err := ParseHeader(image)
	if err != nil {
		return nil, fmt.Errorf("load linux: %w", err)
	}
	if uint64(len(image)) > opts.MemorySize {
		return nil, hv.NewError(hv.KindRegionOverflow, "load linux", opts.GuestBase,
			"image is %d bytes, guest memory is %d", len(image), opts.MemorySize)
	}
	dtb, err := BuildDeviceTree(opts.DeviceTree)
	if err != nil {
		return nil, fmt.Errorf("load linux: %w", err)
	}

	slog.Info("loading kernel",
		"text_offset", fmt.Sprintf("%#x", header.TextOffset),
		"image_size", header.ImageSize,
		"version", header.Version())

	kernelHPA, err := l.CopyAndMap(image, opts.GuestBase, opts.MemorySize, stage2.FlagsRWX)
	if err != nil {
		return nil, fmt.Errorf("load linux: kernel: %w", err)
	}
	dtbHPA, err := l.CopyAndMap(dtb, opts.DTBAddr, uint64(len(dtb)), stage2.FlagR)
	if err != nil {
		return nil, fmt.Errorf("load linux: device tree: %w", err)
	}

	slog.Info("loaded kernel", "size_kb", header.ImageSize/1024, "dtb_bytes", len(dtb))
	return &BootPlan{
		EntryPoint:    opts.GuestBase,
		KernelBase:    opts.GuestBase,
		KernelSize:    uint64(len(image)),
		KernelHPA:     kernelHPA,
		MemorySize:    opts.MemorySize,
		DTBBase:       opts.DTBAddr,
		DTBSize:       uint64(len(dtb)),
		DTBHPA:        dtbHPA,
		TextOffset:    header.TextOffset,
		HeaderVersion: header.Version(),
	}, nil
}
