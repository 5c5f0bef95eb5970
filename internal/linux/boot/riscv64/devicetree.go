package riscv64

import (
	"fmt"

	"github.com/tinyrange/rvh/internal/fdt"
	"github.com/tinyrange/rvh/internal/hv"
)

// MaxDeviceTreeSize is the largest blob the guest DTB window holds.
const MaxDeviceTreeSize = 0x10000

// DeviceTreeParams describes the machine the guest is told about.
type DeviceTreeParams struct {
	MemoryBase uint64
	MemorySize uint64
	Bootargs   string
	CPUs       int
	ISA        string
	MMUType    string
	Timebase   uint32
	// Extra nodes are appended under the root.
	Extra []fdt.Node
}

// DeviceTree returns the root node for p.
func (p DeviceTreeParams) DeviceTree() fdt.Node {
	cpus := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells":     fdt.U32(1),
			"#size-cells":        fdt.U32(0),
			"timebase-frequency": fdt.U32(p.Timebase),
		},
	}
	for i := range max(p.CPUs, 1) {
		cpus.Children = append(cpus.Children, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]fdt.Property{
				"device_type": fdt.Strings("cpu"),
				"compatible":  fdt.Strings("riscv"),
				"reg":         fdt.U32(uint32(i)),
				"status":      fdt.Strings("okay"),
				"mmu-type":    fdt.Strings(p.MMUType),
				"riscv,isa":   fdt.Strings(p.ISA),
			},
			Children: []fdt.Node{{
				Name: "interrupt-controller",
				Properties: map[string]fdt.Property{
					"#interrupt-cells":     fdt.U32(1),
					"interrupt-controller": fdt.Flag(),
					"compatible":           fdt.Strings("riscv,cpu-intc"),
					"phandle":              fdt.U32(uint32(i + 1)),
				},
			}},
		})
	}

	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"compatible":     fdt.Strings("riscv-virtio"),
			"#address-cells": fdt.U32(2),
			"#size-cells":    fdt.U32(2),
		},
		Children: []fdt.Node{
			{Name: "chosen", Properties: map[string]fdt.Property{
				"bootargs": fdt.Strings(p.Bootargs),
			}},
			{Name: fmt.Sprintf("memory@%x", p.MemoryBase), Properties: map[string]fdt.Property{
				"device_type": fdt.Strings("memory"),
				"reg":         fdt.U64(p.MemoryBase, p.MemorySize),
			}},
			cpus,
		},
	}
	root.Children = append(root.Children, p.Extra...)
	return root
}

// BuildDeviceTree serializes the device tree for p. Blobs larger than
// MaxDeviceTreeSize are rejected with hv.KindDeviceTreeTooLarge.
func BuildDeviceTree(p DeviceTreeParams) ([]byte, error) {
	blob, err := fdt.Build(p.DeviceTree())
	if err != nil {
		return nil, fmt.Errorf("build device tree: %w", err)
	}
	if len(blob) > MaxDeviceTreeSize {
		return nil, hv.NewError(hv.KindDeviceTreeTooLarge, "build device tree", 0,
			"%d bytes exceeds %#x", len(blob), MaxDeviceTreeSize)
	}
	return blob, nil
}
