package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/rvh/internal/console"
	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/vmm"
)

// demoCmd runs a built-in guest that needs no kernel image.
type demoCmd struct {
	cfg configFlags
	n   int64
}

func (*demoCmd) Name() string     { return "demo" }
func (*demoCmd) Synopsis() string { return "run a built-in guest that sums integers and shuts down" }
func (*demoCmd) Usage() string {
	return `demo [flags] - run the built-in guest
`
}

func (c *demoCmd) SetFlags(f *flag.FlagSet) {
	c.cfg.register(f)
	f.Int64Var(&c.n, "n", 100, "sum the integers 1..n")
}

func (c *demoCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || c.n < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := c.cfg.load()
	if err != nil {
		return failf("%v", err)
	}

	out := console.New(os.Stdout)
	m, err := vmm.New(cfg, vmm.DemoImage(cfg.GuestBase, c.n), vmm.Options{Console: out})
	if err != nil {
		return failf("%v", err)
	}
	defer m.Close()

	err = m.Run(ctx)
	if tc := m.VCpu().Context(); tc != nil {
		tc.WriteRegisters(out)
	}
	if !hv.IsKind(err, hv.KindGuestSupervisorCall) {
		return failf("demo guest did not shut down: %v", err)
	}

	var buf [8]byte
	addr := cfg.GuestBase + vmm.DemoResultOffset
	if err := m.ReadGuest(addr, buf[:]); err != nil {
		return failf("%v", err)
	}
	fmt.Fprintf(out, "%s = %d\n", console.Bold(fmt.Sprintf("guest memory %#x", addr)), binary.LittleEndian.Uint64(buf[:]))
	return subcommands.ExitSuccess
}
