package mem

import (
	"bytes"
	"testing"

	"github.com/tinyrange/rvh/internal/hv"
)

func newTestMemory(t *testing.T, base, size uint64) *PhysicalMemory {
	t.Helper()
	m := NewPhysicalMemory()
	if _, err := m.Map("ram", base, size); err != nil {
		t.Fatalf("Map: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPhysicalMemoryReadWrite(t *testing.T) {
	m := newTestMemory(t, 0x8000_0000, 4*PageSize)

	if err := m.Write64(0x8000_1000, 0x1122334455667788); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	got, err := m.Read(0x8000_1000, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0x55667788 {
		t.Fatalf("Read(4) = %#x, want 0x55667788", got)
	}

	buf := []byte("hello")
	if _, err := m.WriteAt(buf, 0x8000_3ffb); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, len(buf))
	if _, err := m.ReadAt(out, 0x8000_3ffb); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, buf) {
		t.Fatalf("ReadAt = %q, want %q", out, buf)
	}
}

func TestPhysicalMemoryBounds(t *testing.T) {
	m := newTestMemory(t, 0x8000_0000, PageSize)

	if _, err := m.Read64(0x7fff_fff8); err == nil {
		t.Fatalf("read below region succeeded")
	}
	if _, err := m.Read64(0x8000_0ffc); err == nil {
		t.Fatalf("read straddling region end succeeded")
	}
	if _, err := m.Slice(0x8000_0000, PageSize); err != nil {
		t.Fatalf("full-region slice: %v", err)
	}
}

func TestPhysicalMemoryRejectsOverlap(t *testing.T) {
	m := newTestMemory(t, 0x8000_0000, 2*PageSize)

	if _, err := m.Map("overlap", 0x8000_1000, PageSize); err == nil {
		t.Fatalf("overlapping Map succeeded")
	}
	if _, err := m.Map("below", 0x7fff_f000, 2*PageSize); err == nil {
		t.Fatalf("overlapping Map from below succeeded")
	}
	if _, err := m.Map("adjacent", 0x8000_2000, PageSize); err != nil {
		t.Fatalf("adjacent Map: %v", err)
	}
	if n := len(m.Regions()); n != 2 {
		t.Fatalf("Regions = %d, want 2", n)
	}
}

func TestBumpAllocator(t *testing.T) {
	m := newTestMemory(t, 0x9000_0000, 4*PageSize)
	if err := m.Write64(0x9000_1000, 0xdead); err != nil {
		t.Fatal(err)
	}

	var a BumpAllocator
	if err := a.Init(m, 0x9000_0000, 3*PageSize); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := a.Init(m, 0x9000_0000, PageSize); !hv.IsKind(err, hv.KindAllocatorInitialized) {
		t.Fatalf("second Init = %v, want KindAllocatorInitialized", err)
	}

	first, err := a.Allocate(1)
	if err != nil || first != 0x9000_0000 {
		t.Fatalf("Allocate = %#x, %v", first, err)
	}
	second, err := a.Allocate(PageSize)
	if err != nil || second != 0x9000_1000 {
		t.Fatalf("Allocate = %#x, %v", second, err)
	}
	if v, _ := m.Read64(second); v != 0 {
		t.Fatalf("allocated page not zeroed: %#x", v)
	}
	if _, err := a.Allocate(2 * PageSize); !hv.IsKind(err, hv.KindOutOfMemory) {
		t.Fatalf("oversized Allocate = %v, want KindOutOfMemory", err)
	}
	for _, size := range []uint64{^uint64(0), ^uint64(0) - PageMask + 1} {
		if _, err := a.Allocate(size); !hv.IsKind(err, hv.KindOutOfMemory) {
			t.Fatalf("Allocate(%#x) = %v, want KindOutOfMemory", size, err)
		}
	}
	if a.Used() != 2*PageSize {
		t.Fatalf("Used = %#x", a.Used())
	}
}
