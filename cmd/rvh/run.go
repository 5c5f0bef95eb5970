package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvh/internal/config"
	"github.com/tinyrange/rvh/internal/console"
	"github.com/tinyrange/rvh/internal/linux/boot/riscv64"
	"github.com/tinyrange/rvh/internal/vmm"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	cfg     configFlags
	timeout time.Duration
	regs    bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "boot a kernel image and run it until it halts" }
func (*runCmd) Usage() string {
	return `run [flags] [kernel-image] - boot a RISC-V Linux Image

The image may be gzip compressed. Without an argument the kernel named in the
configuration is used.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	c.cfg.register(f)
	f.DurationVar(&c.timeout, "timeout", 0, "stop the guest after this long (overrides the config)")
	f.BoolVar(&c.regs, "regs", false, "print the guest registers when it halts")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := c.cfg.load()
	if err != nil {
		return failf("%v", err)
	}
	if f.NArg() == 1 {
		cfg.Kernel = f.Arg(0)
	}
	if cfg.Kernel == "" {
		return failf("no kernel image given")
	}
	if c.timeout > 0 {
		cfg.Timeout = config.Duration(c.timeout)
	}

	kernel, err := readKernel(cfg.Kernel, cfg.MemorySize)
	if err != nil {
		return failf("%v", err)
	}

	out := console.New(os.Stderr)
	opts := vmm.Options{Console: out}
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pages := cfg.MemorySize / 4096
		bar = progressbar.NewOptions64(int64(pages),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("mapping guest memory"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		opts.Progress = func(mapped, total uint64) {
			// The device tree is mapped after guest RAM; only RAM is shown.
			if total == pages {
				bar.Set64(int64(mapped))
			}
		}
	}

	m, err := vmm.New(cfg, kernel.Payload(), opts)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return failf("%v", err)
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	err = m.Run(ctx)
	if c.regs {
		if tc := m.VCpu().Context(); tc != nil {
			tc.WriteRegisters(out)
		}
	}
	if err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

func readKernel(path string, limit uint64) (*riscv64.KernelImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return riscv64.LoadKernel(f, info.Size(), limit)
}
