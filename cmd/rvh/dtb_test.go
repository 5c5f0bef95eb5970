package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/rvh/internal/fdt"
	"github.com/tinyrange/rvh/internal/linux/boot/riscv64"
)

func TestPrintNode(t *testing.T) {
	blob, err := riscv64.BuildDeviceTree(riscv64.DefaultOptions().DeviceTree)
	if err != nil {
		t.Fatal(err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printNode(&out, "/", &root, 0)

	for _, want := range []string{
		`compatible = ["riscv-virtio"];`,
		"memory@80200000 {",
		"\t\t\tinterrupt-controller;",
		"#size-cells = [00 00 00 02];",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}
