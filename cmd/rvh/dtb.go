package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"unicode"

	"github.com/google/subcommands"

	"github.com/tinyrange/rvh/internal/fdt"
	"github.com/tinyrange/rvh/internal/linux/boot/riscv64"
)

// dtbCmd writes the device tree a guest would be given.
type dtbCmd struct {
	cfg   configFlags
	out   string
	print bool
}

func (*dtbCmd) Name() string     { return "dtb" }
func (*dtbCmd) Synopsis() string { return "write the generated device tree blob" }
func (*dtbCmd) Usage() string {
	return `dtb [flags] - write the device tree for a configuration
`
}

func (c *dtbCmd) SetFlags(f *flag.FlagSet) {
	c.cfg.register(f)
	f.StringVar(&c.out, "o", "", "write the blob to this file instead of stdout")
	f.BoolVar(&c.print, "print", false, "print the tree as text")
}

func (c *dtbCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := c.cfg.load()
	if err != nil {
		return failf("%v", err)
	}
	blob, err := riscv64.BuildDeviceTree(cfg.BootOptions().DeviceTree)
	if err != nil {
		return failf("%v", err)
	}

	if c.print {
		root, err := fdt.Parse(blob)
		if err != nil {
			return failf("%v", err)
		}
		printNode(os.Stdout, "/", &root, 0)
		return subcommands.ExitSuccess
	}
	if c.out == "" {
		os.Stdout.Write(blob)
		return subcommands.ExitSuccess
	}
	if err := os.WriteFile(c.out, blob, 0o644); err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printNode(w io.Writer, name string, n *fdt.Node, depth int) {
	indent := strings.Repeat("\t", depth)
	fmt.Fprintf(w, "%s%s {\n", indent, name)

	names := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		p := n.Properties[k]
		raw := p.Raw()
		switch {
		case len(raw) == 0:
			fmt.Fprintf(w, "%s\t%s;\n", indent, k)
		case printable(raw):
			fmt.Fprintf(w, "%s\t%s = %q;\n", indent, k, strings.Split(strings.TrimSuffix(string(raw), "\x00"), "\x00"))
		default:
			fmt.Fprintf(w, "%s\t%s = [% x];\n", indent, k, raw)
		}
	}
	for i := range n.Children {
		printNode(w, n.Children[i].Name, &n.Children[i], depth+1)
	}
	fmt.Fprintf(w, "%s};\n", indent)
}

func printable(b []byte) bool {
	if b[0] == 0 || b[len(b)-1] != 0 {
		return false
	}
	for _, c := range b[:len(b)-1] {
		if c != 0 && (c > unicode.MaxASCII || !unicode.IsPrint(rune(c))) {
			return false
		}
	}
	return true
}
