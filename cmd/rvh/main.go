// Command rvh boots a RISC-V guest under the hypervisor core on a software
// hart.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/rvh/internal/config"
)

func main() {
	debug := flag.Bool("debug", false, "log at debug level")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&demoCmd{}, "")
	subcommands.Register(&dtbCmd{}, "inspection")
	subcommands.Register(&inspectCmd{}, "inspection")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	os.Exit(int(subcommands.Execute(context.Background())))
}

// configFlags are shared by the commands that build a machine.
type configFlags struct {
	path   string
	policy string
}

func (c *configFlags) register(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "machine configuration (.yaml, .yml or .toml)")
	f.StringVar(&c.policy, "policy", "", "interrupt policy, fatal or ignore (overrides the config)")
}

func (c *configFlags) load() (config.Config, error) {
	cfg := config.Default()
	if c.path != "" {
		var err error
		if cfg, err = config.Load(c.path); err != nil {
			return cfg, err
		}
	}
	if c.policy != "" {
		cfg.InterruptPolicy = c.policy
	}
	return cfg, cfg.Validate()
}

func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "rvh: "+format+"\n", args...)
	return subcommands.ExitFailure
}
