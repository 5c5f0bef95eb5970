package mem

import (
	"math"
	"sync"

	"github.com/tinyrange/rvh/internal/hv"
)

// Allocator hands out zeroed, page-aligned host physical memory.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

// BumpAllocator carves pages out of one host region and never frees them.
type BumpAllocator struct {
	mu   sync.Mutex
	mem  *PhysicalMemory
	base uint64
	next uint64
	end  uint64
}

// Init binds the allocator to [base, base+size) of mem. It may only be
// called once.
func (a *BumpAllocator) Init(mem *PhysicalMemory, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem != nil {
		return hv.NewError(hv.KindAllocatorInitialized, "allocator init", base, "")
	}
	base = PageAlignUp(base)
	if _, err := mem.Slice(base, size); err != nil {
		return &hv.Error{Kind: hv.KindOutOfMemory, Op: "allocator init", Addr: base, Detail: "heap is not backed", Err: err}
	}
	a.mem = mem
	a.base = base
	a.next = base
	a.end = base + size
	return nil
}

// Allocate returns the address of size bytes, rounded up to whole pages.
func (a *BumpAllocator) Allocate(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return 0, hv.NewError(hv.KindOutOfMemory, "allocate", 0, "allocator not initialized")
	}
	if size > math.MaxUint64-PageMask {
		return 0, hv.NewError(hv.KindOutOfMemory, "allocate", a.next, "want %#x bytes", size)
	}
	size = PageAlignUp(size)
	if size == 0 {
		size = PageSize
	}
	if size > a.end-a.next {
		return 0, hv.NewError(hv.KindOutOfMemory, "allocate", a.next,
			"want %#x bytes, %#x left", size, a.end-a.next)
	}
	addr := a.next
	b, err := a.mem.Slice(addr, size)
	if err != nil {
		return 0, err
	}
	clear(b)
	a.next += size
	return addr, nil
}

// Used returns the number of bytes handed out.
func (a *BumpAllocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - a.base
}
