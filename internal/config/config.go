// Package config holds the machine configuration and loads it from YAML or
// TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvh/internal/hv/trap"
	"github.com/tinyrange/rvh/internal/linux/boot/riscv64"
	"github.com/tinyrange/rvh/internal/mem"
)

// maxConfigSize bounds the files Load reads.
const maxConfigSize = 1 << 20

// Duration wraps time.Duration for YAML and TOML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, which toml uses.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config describes one machine: the host memory the hypervisor manages and
// the guest it boots.
type Config struct {
	// HostBase and HostSize place the host physical memory arena. Its first
	// page holds the trap vector; the rest backs page tables and guest RAM.
	HostBase uint64 `yaml:"host_base" toml:"host_base"`
	HostSize uint64 `yaml:"host_size" toml:"host_size"`

	GuestBase  uint64 `yaml:"guest_base" toml:"guest_base"`
	MemorySize uint64 `yaml:"memory_size" toml:"memory_size"`
	DTBAddr    uint64 `yaml:"dtb_addr" toml:"dtb_addr"`

	Bootargs string `yaml:"bootargs" toml:"bootargs"`
	CPUs     int    `yaml:"cpus" toml:"cpus"`
	ISA      string `yaml:"isa" toml:"isa"`
	MMUType  string `yaml:"mmu_type" toml:"mmu_type"`
	Timebase uint32 `yaml:"timebase" toml:"timebase"`

	// InterruptPolicy is "fatal" or "ignore".
	InterruptPolicy string `yaml:"interrupt_policy" toml:"interrupt_policy"`

	Kernel string `yaml:"kernel" toml:"kernel"`
	// Timeout bounds a run; zero means no limit.
	Timeout Duration `yaml:"timeout" toml:"timeout"`
	// BatchSize is the number of guest instructions between cancellation
	// checks.
	BatchSize int `yaml:"batch_size" toml:"batch_size"`
}

// Default returns the standard layout: 64 MiB of guest RAM at 0x80200000 and
// the device tree at 0x70000000.
func Default() Config {
	return Config{
		HostBase:        0x1_0000_0000,
		HostSize:        riscv64.DefaultMemorySize + 8<<20,
		GuestBase:       riscv64.GuestBase,
		MemorySize:      riscv64.DefaultMemorySize,
		DTBAddr:         riscv64.GuestDTBAddr,
		Bootargs:        riscv64.DefaultBootargs,
		CPUs:            1,
		ISA:             riscv64.DefaultISA,
		MMUType:         riscv64.DefaultMMUType,
		Timebase:        riscv64.DefaultTimebase,
		InterruptPolicy: trap.PolicyFatal.String(),
		BatchSize:       100000,
	}
}

// Load reads path on top of Default. The decoder is chosen by extension:
// .yaml and .yml for YAML, .toml for TOML. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("config: %s is %d bytes, limit is %d", path, info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config: parse %s: unknown keys %v", path, undecoded)
		}
	default:
		return cfg, fmt.Errorf("config: %s: unsupported extension %q", path, ext)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the layout for the constraints the loader and page tables
// rely on.
func (c Config) Validate() error {
	var errs []error
	for _, a := range []struct {
		name string
		addr uint64
	}{
		{"host_base", c.HostBase},
		{"host_size", c.HostSize},
		{"guest_base", c.GuestBase},
		{"memory_size", c.MemorySize},
		{"dtb_addr", c.DTBAddr},
	} {
		if !mem.PageAligned(a.addr) {
			errs = append(errs, fmt.Errorf("%s %#x is not page aligned", a.name, a.addr))
		}
	}
	if c.MemorySize == 0 {
		errs = append(errs, errors.New("memory_size is zero"))
	}
	if c.HostSize < 2<<20 || c.HostSize-2<<20 < c.MemorySize {
		errs = append(errs, fmt.Errorf("host_size %#x leaves no room for page tables next to %#x of guest memory", c.HostSize, c.MemorySize))
	}
	if c.DTBAddr+riscv64.MaxDeviceTreeSize > c.GuestBase && c.DTBAddr < c.GuestBase+c.MemorySize {
		errs = append(errs, fmt.Errorf("dtb window at %#x overlaps guest memory", c.DTBAddr))
	}
	if c.CPUs < 1 {
		errs = append(errs, fmt.Errorf("cpus must be at least 1, got %d", c.CPUs))
	}
	if c.Timebase == 0 {
		errs = append(errs, errors.New("timebase is zero"))
	}
	if _, err := trap.ParsePolicy(c.InterruptPolicy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy returns the parsed interrupt policy.
func (c Config) Policy() trap.Policy {
	p, _ := trap.ParsePolicy(c.InterruptPolicy)
	return p
}

// BootOptions returns the loader options for c.
func (c Config) BootOptions() riscv64.Options {
	return riscv64.Options{
		GuestBase:  c.GuestBase,
		MemorySize: c.MemorySize,
		DTBAddr:    c.DTBAddr,
		DeviceTree: riscv64.DeviceTreeParams{
			MemoryBase: c.GuestBase,
			MemorySize: c.MemorySize,
			Bootargs:   c.Bootargs,
			CPUs:       c.CPUs,
			ISA:        c.ISA,
			MMUType:    c.MMUType,
			Timebase:   c.Timebase,
		},
	}
}
