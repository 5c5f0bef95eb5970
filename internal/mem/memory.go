// Package mem models host physical memory: the regions the hypervisor owns
// and the page allocator that hands them out.
package mem

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// PageAlignUp rounds size up to a whole number of pages.
func PageAlignUp(size uint64) uint64 {
	return (size + PageMask) &^ PageMask
}

// PageAligned reports whether addr has a zero page offset.
func PageAligned(addr uint64) bool {
	return addr&PageMask == 0
}

var hostEndian = binary.LittleEndian

// Region is a contiguous range of host physical memory.
type Region struct {
	Name string
	Base uint64
	Data []byte

	release func() error
}

// Size returns the length of the region in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.Data)) }

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.Base + r.Size() }

func (r *Region) contains(addr, length uint64) bool {
	return addr >= r.Base && addr-r.Base <= r.Size() && length <= r.End()-addr
}

// PhysicalMemory is the host physical address space: a set of
// non-overlapping regions ordered by base address.
type PhysicalMemory struct {
	mu      sync.RWMutex
	regions *btree.BTreeG[*Region]
}

// NewPhysicalMemory returns an empty address space.
func NewPhysicalMemory() *PhysicalMemory {
	return &PhysicalMemory{
		regions: btree.NewG(8, func(a, b *Region) bool { return a.Base < b.Base }),
	}
}

// Map creates a zeroed region of size bytes at base.
func (m *PhysicalMemory) Map(name string, base, size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("mem: cannot map zero-size region %q", name)
	}
	if !PageAligned(base) || !PageAligned(size) {
		return nil, fmt.Errorf("mem: region %q [%#x, +%#x) is not page aligned", name, base, size)
	}
	data, release, err := newBacking(size)
	if err != nil {
		return nil, fmt.Errorf("mem: allocate backing for %q: %w", name, err)
	}
	region := &Region{Name: name, Base: base, Data: data, release: release}
	if err := m.AddRegion(region); err != nil {
		release()
		return nil, err
	}
	return region, nil
}

// AddRegion registers an existing region. Overlaps are rejected.
func (m *PhysicalMemory) AddRegion(r *Region) error {
	if r.Size() == 0 {
		return fmt.Errorf("mem: region %q is empty", r.Name)
	}
	if r.Base+r.Size() < r.Base {
		return fmt.Errorf("mem: region %q wraps the address space", r.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var conflict *Region
	m.regions.DescendLessOrEqual(&Region{Base: r.End() - 1}, func(other *Region) bool {
		if other.End() > r.Base {
			conflict = other
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("mem: region %q [%#x, %#x) overlaps %q [%#x, %#x)",
			r.Name, r.Base, r.End(), conflict.Name, conflict.Base, conflict.End())
	}
	m.regions.ReplaceOrInsert(r)
	return nil
}

// Regions returns the registered regions in address order.
func (m *PhysicalMemory) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Region, 0, m.regions.Len())
	m.regions.Ascend(func(r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (m *PhysicalMemory) find(addr, length uint64) (*Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Region
	m.regions.DescendLessOrEqual(&Region{Base: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.contains(addr, length) {
		return nil, fmt.Errorf("mem: no memory at %#x (+%d)", addr, length)
	}
	return found, nil
}

// Slice returns the bytes backing [addr, addr+length). The range must lie
// inside a single region.
func (m *PhysicalMemory) Slice(addr, length uint64) ([]byte, error) {
	r, err := m.find(addr, length)
	if err != nil {
		return nil, err
	}
	off := addr - r.Base
	return r.Data[off : off+length : off+length], nil
}

// Read reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (m *PhysicalMemory) Read(addr uint64, size int) (uint64, error) {
	b, err := m.Slice(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(hostEndian.Uint16(b)), nil
	case 4:
		return uint64(hostEndian.Uint32(b)), nil
	case 8:
		return hostEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("mem: invalid read size %d", size)
	}
}

// Write writes a little-endian value of size 1, 2, 4 or 8 bytes.
func (m *PhysicalMemory) Write(addr uint64, size int, value uint64) error {
	b, err := m.Slice(addr, uint64(size))
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		hostEndian.PutUint16(b, uint16(value))
	case 4:
		hostEndian.PutUint32(b, uint32(value))
	case 8:
		hostEndian.PutUint64(b, value)
	default:
		return fmt.Errorf("mem: invalid write size %d", size)
	}
	return nil
}

// Read64 reads a doubleword.
func (m *PhysicalMemory) Read64(addr uint64) (uint64, error) { return m.Read(addr, 8) }

// Write64 writes a doubleword.
func (m *PhysicalMemory) Write64(addr, value uint64) error { return m.Write(addr, 8, value) }

// ReadAt implements io.ReaderAt over host physical addresses.
func (m *PhysicalMemory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over host physical addresses.
func (m *PhysicalMemory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Close releases the backing of every region created with Map.
func (m *PhysicalMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	m.regions.Ascend(func(r *Region) bool {
		if r.release != nil {
			if err := r.release(); err != nil && firstErr == nil {
				firstErr = err
			}
			r.release = nil
		}
		return true
	})
	m.regions.Clear(false)
	return firstErr
}

var (
	_ io.ReaderAt = &PhysicalMemory{}
	_ io.WriterAt = &PhysicalMemory{}
)
