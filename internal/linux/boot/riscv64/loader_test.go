package riscv64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/rvh/internal/fdt"
	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/hv/stage2"
	"github.com/tinyrange/rvh/internal/mem"
)

type mapping struct {
	GPA, HPA uint64
	Flags    stage2.Flags
}

type recordingMapper struct{ maps []mapping }

func (r *recordingMapper) Map(gpa, hpa uint64, flags stage2.Flags) error {
	r.maps = append(r.maps, mapping{gpa, hpa, flags})
	return nil
}

type countingAllocator struct {
	next  uint64
	calls int
}

func (a *countingAllocator) Allocate(size uint64) (uint64, error) {
	a.calls++
	addr := a.next
	a.next += mem.PageAlignUp(size)
	return addr, nil
}

const testHost = 0x1_0000_0000

func newRecordingLoader(t *testing.T, size uint64) (*Loader, *recordingMapper, *countingAllocator, *mem.PhysicalMemory) {
	t.Helper()
	phys := mem.NewPhysicalMemory()
	if _, err := phys.Map("host", testHost, size); err != nil {
		t.Fatalf("map: %v", err)
	}
	t.Cleanup(func() { phys.Close() })
	m := &recordingMapper{}
	a := &countingAllocator{next: testHost}
	return &Loader{Table: m, Alloc: a, Mem: phys}, m, a, phys
}

func TestCopyAndMapBoundary(t *testing.T) {
	for _, tc := range []struct {
		name       string
		dataLen    int
		regionSize uint64
		pages      int
	}{
		{"exact page", 4096, 4096, 1},
		{"short data", 10, 3*4096 + 1, 4},
		{"data equals region", 5000, 5000, 2},
		{"empty data", 0, 4096, 1},
	} {
		l, m, _, phys := newRecordingLoader(t, 16*mem.PageSize)
		data := bytes.Repeat([]byte{0xa5}, tc.dataLen)

		hpa, err := l.CopyAndMap(data, 0x8020_0000, tc.regionSize, stage2.FlagsRW)
		if err != nil {
			t.Fatalf("%s: CopyAndMap: %v", tc.name, err)
		}
		if len(m.maps) != tc.pages {
			t.Fatalf("%s: %d maps, want %d", tc.name, len(m.maps), tc.pages)
		}
		for i, mp := range m.maps {
			want := mapping{0x8020_0000 + uint64(i)*4096, hpa + uint64(i)*4096, stage2.FlagsRW}
			if mp != want {
				t.Errorf("%s: map %d = %+v, want %+v", tc.name, i, mp, want)
			}
		}
		got, err := phys.Slice(hpa, uint64(tc.dataLen))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: data not copied", tc.name)
		}
	}
}

func TestCopyAndMapOverflowAllocatesNothing(t *testing.T) {
	l, m, a, _ := newRecordingLoader(t, 4*mem.PageSize)
	_, err := l.CopyAndMap(make([]byte, 4097), 0x8020_0000, 4096, stage2.FlagR)
	if !hv.IsKind(err, hv.KindRegionOverflow) {
		t.Fatalf("CopyAndMap = %v, want KindRegionOverflow", err)
	}
	if a.calls != 0 || len(m.maps) != 0 {
		t.Fatalf("allocations %d, maps %d after overflow", a.calls, len(m.maps))
	}
}

func TestCopyAndMapRejectsUnalignableSize(t *testing.T) {
	for _, size := range []uint64{^uint64(0), ^uint64(0) - mem.PageMask + 1} {
		l, m, a, _ := newRecordingLoader(t, 4*mem.PageSize)
		_, err := l.CopyAndMap([]byte("hello"), 0x8020_0000, size, stage2.FlagR)
		if !hv.IsKind(err, hv.KindRegionOverflow) {
			t.Fatalf("size %#x: CopyAndMap = %v, want KindRegionOverflow", size, err)
		}
		if a.calls != 0 || len(m.maps) != 0 {
			t.Fatalf("size %#x: allocations %d, maps %d", size, a.calls, len(m.maps))
		}
	}
}

func TestCopyAndMapProgress(t *testing.T) {
	l, _, _, _ := newRecordingLoader(t, 8*mem.PageSize)
	var calls []uint64
	l.Progress = func(done, total uint64) {
		if total != 3 {
			t.Errorf("total = %d", total)
		}
		calls = append(calls, done)
	}
	if _, err := l.CopyAndMap(nil, 0, 3*4096, stage2.FlagR); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, calls); diff != "" {
		t.Fatalf("progress (-want +got):\n%s", diff)
	}
}

func testImage(code []byte) []byte { return EncodeImage(code, 0x200000) }

func TestParseHeader(t *testing.T) {
	image := testImage([]byte{1, 2, 3, 4})
	h, err := ParseHeader(image)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.TextOffset != 0x200000 || h.ImageSize != HeaderSize+4 || h.Version() != "v0.2" {
		t.Fatalf("header = %+v", h)
	}
	if string(h.Magic[:]) != Magic {
		t.Fatalf("magic = %q", h.Magic[:])
	}

	if _, err := ParseHeader(image[:HeaderSize-1]); !hv.IsKind(err, hv.KindBadImage) {
		t.Errorf("short header = %v, want KindBadImage", err)
	}

	bad := append([]byte(nil), image...)
	binary.LittleEndian.PutUint32(bad[56:], 0xdeadbeef)
	_, err = ParseHeader(bad)
	if !hv.IsKind(err, hv.KindBadMagic) || !strings.Contains(err.Error(), "invalid magic") {
		t.Errorf("bad magic2 = %v, want KindBadMagic", err)
	}

	old := append([]byte(nil), image...)
	binary.LittleEndian.PutUint32(old[32:], 1)
	if _, err := ParseHeader(old); !hv.IsKind(err, hv.KindBadImage) {
		t.Errorf("v0.1 header = %v, want KindBadImage", err)
	}
}

func TestEncodeImageEntersPastHeader(t *testing.T) {
	image := testImage([]byte{0x13, 0, 0, 0})
	if got := binary.LittleEndian.Uint32(image); got != 0x0400006f {
		t.Fatalf("code0 = %#08x, want jal x0, 64", got)
	}
	if len(image) != HeaderSize+4 {
		t.Fatalf("len = %d", len(image))
	}
}

func TestLoadKernelDecompressesGzip(t *testing.T) {
	image := testImage(bytes.Repeat([]byte{0x13, 0, 0, 0}, 64))
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(image); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	k, err := LoadKernel(bytes.NewReader(gz.Bytes()), int64(gz.Len()), 0)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if !bytes.Equal(k.Payload(), image) {
		t.Fatalf("payload differs after decompression")
	}
	if k.Header().Version() != "v0.2" {
		t.Fatalf("version = %s", k.Header().Version())
	}
}

func TestLoadKernelBoundsDecompression(t *testing.T) {
	image := testImage(make([]byte, 64<<10))
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(image); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	limit := uint64(len(image) - 1)
	if _, err := LoadKernel(bytes.NewReader(gz.Bytes()), int64(gz.Len()), limit); !hv.IsKind(err, hv.KindRegionOverflow) {
		t.Fatalf("LoadKernel over the limit = %v, want KindRegionOverflow", err)
	}
	k, err := LoadKernel(bytes.NewReader(gz.Bytes()), int64(gz.Len()), uint64(len(image)))
	if err != nil || k.Size() != int64(len(image)) {
		t.Fatalf("LoadKernel at the limit = %v", err)
	}
}

func TestLoadKernelRejectsBadMagic(t *testing.T) {
	image := make([]byte, 128)
	if _, err := LoadKernel(bytes.NewReader(image), int64(len(image)), 0); !hv.IsKind(err, hv.KindBadMagic) {
		t.Fatalf("LoadKernel = %v, want KindBadMagic", err)
	}
}

func TestBuildDeviceTree(t *testing.T) {
	p := DefaultOptions().DeviceTree
	blob, err := BuildDeviceTree(p)
	if err != nil {
		t.Fatalf("BuildDeviceTree: %v", err)
	}
	if len(blob) > MaxDeviceTreeSize {
		t.Fatalf("blob is %d bytes", len(blob))
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, tc := range []struct{ path, prop, want string }{
		{"/", "compatible", "riscv-virtio"},
		{"/chosen", "bootargs", DefaultBootargs},
		{"/memory@80200000", "device_type", "memory"},
		{"/cpus/cpu@0", "mmu-type", "riscv,sv48"},
		{"/cpus/cpu@0", "riscv,isa", DefaultISA},
		{"/cpus/cpu@0", "status", "okay"},
	} {
		n, ok := root.Find(tc.path)
		if !ok {
			t.Fatalf("node %s missing", tc.path)
		}
		prop, ok := n.Property(tc.prop)
		if !ok || prop.AsString() != tc.want {
			t.Errorf("%s %s = %q, want %q", tc.path, tc.prop, prop.AsString(), tc.want)
		}
	}
	memNode, _ := root.Find("/memory@80200000")
	reg, _ := memNode.Property("reg")
	if diff := cmp.Diff([]uint64{GuestBase, DefaultMemorySize}, reg.AsU64s()); diff != "" {
		t.Errorf("memory reg (-want +got):\n%s", diff)
	}
	cpus, _ := root.Find("/cpus")
	tb, _ := cpus.Property("timebase-frequency")
	if v, _ := tb.AsU32(); v != 10_000_000 {
		t.Errorf("timebase = %d", v)
	}
	for _, cells := range []string{"#address-cells", "#size-cells"} {
		prop, _ := root.Property(cells)
		if v, _ := prop.AsU32(); v != 2 {
			t.Errorf("root %s = %d", cells, v)
		}
	}
}

func TestBuildDeviceTreeTooLarge(t *testing.T) {
	p := DefaultOptions().DeviceTree
	p.Bootargs = strings.Repeat("x", MaxDeviceTreeSize)
	if _, err := BuildDeviceTree(p); !hv.IsKind(err, hv.KindDeviceTreeTooLarge) {
		t.Fatalf("BuildDeviceTree = %v, want KindDeviceTreeTooLarge", err)
	}
}

func smallOptions() Options {
	opts := DefaultOptions()
	opts.MemorySize = 256 << 10
	opts.DeviceTree.MemorySize = opts.MemorySize
	return opts
}

func TestLoadLinuxRejectsBeforeMapping(t *testing.T) {
	image := testImage(make([]byte, 64))
	badMagic := append([]byte(nil), image...)
	badMagic[56] = 0

	hugeArgs := smallOptions()
	hugeArgs.DeviceTree.Bootargs = strings.Repeat("y", 2*MaxDeviceTreeSize)

	for _, tc := range []struct {
		name  string
		image []byte
		opts  Options
		kind  hv.Kind
	}{
		{"bad magic", badMagic, smallOptions(), hv.KindBadMagic},
		{"short", image[:20], smallOptions(), hv.KindBadImage},
		{"too large", testImage(make([]byte, 256<<10)), smallOptions(), hv.KindRegionOverflow},
		{"device tree", image, hugeArgs, hv.KindDeviceTreeTooLarge},
	} {
		l, m, a, _ := newRecordingLoader(t, mem.PageSize)
		_, err := l.LoadLinux(tc.image, tc.opts)
		if !hv.IsKind(err, tc.kind) {
			t.Errorf("%s: LoadLinux = %v, want %s", tc.name, err, tc.kind)
		}
		if len(m.maps) != 0 || a.calls != 0 {
			t.Errorf("%s: %d maps, %d allocations before failing", tc.name, len(m.maps), a.calls)
		}
	}
}

func TestLoadLinux(t *testing.T) {
	opts := smallOptions()
	phys := mem.NewPhysicalMemory()
	if _, err := phys.Map("host", testHost, 1<<20); err != nil {
		t.Fatal(err)
	}
	defer phys.Close()
	alloc := &mem.BumpAllocator{}
	if err := alloc.Init(phys, testHost, 1<<20); err != nil {
		t.Fatal(err)
	}
	pt, err := stage2.New(alloc, phys)
	if err != nil {
		t.Fatal(err)
	}

	image := testImage([]byte{0x73, 0, 0, 0})
	l := &Loader{Table: pt, Alloc: alloc, Mem: phys}
	plan, err := l.LoadLinux(image, opts)
	if err != nil {
		t.Fatalf("LoadLinux: %v", err)
	}

	want := &BootPlan{
		EntryPoint:    GuestBase,
		KernelBase:    GuestBase,
		KernelSize:    uint64(len(image)),
		KernelHPA:     plan.KernelHPA,
		MemorySize:    opts.MemorySize,
		DTBBase:       GuestDTBAddr,
		DTBSize:       plan.DTBSize,
		DTBHPA:        plan.DTBHPA,
		TextOffset:    0x200000,
		HeaderVersion: "v0.2",
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan (-want +got):\n%s", diff)
	}

	hpa, flags, ok := pt.Translate(GuestBase)
	if !ok || hpa != plan.KernelHPA || flags != stage2.FlagsRWX|stage2.FlagV|stage2.FlagU {
		t.Fatalf("kernel mapping = %#x %s %v", hpa, flags, ok)
	}
	last := GuestBase + opts.MemorySize - mem.PageSize
	if hpa, _, ok := pt.Translate(last); !ok || hpa != plan.KernelHPA+opts.MemorySize-mem.PageSize {
		t.Fatalf("last RAM page mapping = %#x %v", hpa, ok)
	}
	if _, _, ok := pt.Translate(GuestBase + opts.MemorySize); ok {
		t.Fatalf("page past guest RAM is mapped")
	}

	_, flags, ok = pt.Translate(GuestDTBAddr)
	if !ok || flags != stage2.FlagR|stage2.FlagV|stage2.FlagU {
		t.Fatalf("dtb mapping flags = %s %v", flags, ok)
	}
	blob, err := phys.Slice(plan.DTBHPA, plan.DTBSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fdt.Parse(blob); err != nil {
		t.Fatalf("guest sees a bad device tree: %v", err)
	}
	loaded, _ := phys.Slice(plan.KernelHPA, uint64(len(image)))
	if !bytes.Equal(loaded, image) {
		t.Fatalf("kernel bytes differ")
	}
}
