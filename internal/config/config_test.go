package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/rvh/internal/hv/trap"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "machine.yaml", `
memory_size: 0x800000
host_size: 0x1000000
bootargs: console=hvc0
interrupt_policy: ignore
timeout: 3s
kernel: /tmp/Image
`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.MemorySize = 0x80_0000
	want.HostSize = 0x100_0000
	want.Bootargs = "console=hvc0"
	want.InterruptPolicy = "ignore"
	want.Timeout = Duration(3 * time.Second)
	want.Kernel = "/tmp/Image"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
	if got.Policy() != trap.PolicyIgnore {
		t.Fatalf("Policy = %s", got.Policy())
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "machine.toml", `
guest_base = 0x80200000
memory_size = 0x400000
host_size = 0x800000
cpus = 2
timeout = "250ms"
`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.MemorySize != 0x40_0000 || got.CPUs != 2 || got.Timeout.Duration() != 250*time.Millisecond {
		t.Fatalf("config = %+v", got)
	}
	opts := got.BootOptions()
	if opts.DeviceTree.CPUs != 2 || opts.DeviceTree.MemorySize != 0x40_0000 || opts.GuestBase != 0x8020_0000 {
		t.Fatalf("boot options = %+v", opts)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for _, tc := range []struct{ name, body string }{
		{"machine.yml", "memroy_size: 4096\n"},
		{"machine.toml", "memroy_size = 4096\n"},
	} {
		if _, err := Load(writeFile(t, tc.name, tc.body)); err == nil {
			t.Errorf("%s: unknown key accepted", tc.name)
		}
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	if _, err := Load(writeFile(t, "machine.json", "{}")); err == nil {
		t.Fatalf("json config accepted")
	}
}

func TestLoadEmptyYAMLIsDefault(t *testing.T) {
	got, err := Load(writeFile(t, "empty.yaml", ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unaligned guest base", func(c *Config) { c.GuestBase = 0x8020_0abc }, "guest_base"},
		{"unaligned dtb", func(c *Config) { c.DTBAddr = 0x7000_0010 }, "dtb_addr"},
		{"no memory", func(c *Config) { c.MemorySize = 0 }, "memory_size is zero"},
		{"small host", func(c *Config) { c.HostSize = c.MemorySize }, "host_size"},
		{"memory wraps host check", func(c *Config) { c.MemorySize = ^uint64(0) &^ 0xfff }, "host_size"},
		{"tiny host", func(c *Config) { c.HostSize = 0x1000 }, "host_size"},
		{"dtb overlaps", func(c *Config) { c.DTBAddr = c.GuestBase }, "overlaps"},
		{"no cpus", func(c *Config) { c.CPUs = 0 }, "cpus"},
		{"policy", func(c *Config) { c.InterruptPolicy = "retry" }, "interrupt policy"},
	} {
		c := Default()
		tc.mutate(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: Validate = %v, want error mentioning %q", tc.name, err, tc.want)
		}
	}
}
