package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
)

// inspectCmd prints the header of a kernel image.
type inspectCmd struct{}

func (*inspectCmd) Name() string     { return "inspect" }
func (*inspectCmd) Synopsis() string { return "print the header of a kernel image" }
func (*inspectCmd) Usage() string {
	return `inspect <kernel-image> - print the RISC-V Image header
`
}

func (*inspectCmd) SetFlags(*flag.FlagSet) {}

func (*inspectCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	kernel, err := readKernel(f.Arg(0), 0)
	if err != nil {
		return failf("%v", err)
	}
	h := kernel.Header()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "version\t%s\n", h.Version())
	fmt.Fprintf(w, "text_offset\t%#x\n", h.TextOffset)
	fmt.Fprintf(w, "image_size\t%d\n", h.ImageSize)
	fmt.Fprintf(w, "flags\t%#x\n", h.Flags)
	fmt.Fprintf(w, "code0\t%#08x\n", h.Code0)
	fmt.Fprintf(w, "code1\t%#08x\n", h.Code1)
	fmt.Fprintf(w, "payload\t%d bytes\n", kernel.Size())
	if err := w.Flush(); err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}
