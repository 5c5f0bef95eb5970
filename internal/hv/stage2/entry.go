// Package stage2 builds the G-stage (guest physical to host physical) page
// tables that hgatp points at.
//
// Tables live in host physical memory handed out by an allocator and are
// accessed through a Memory view; no Go pointers into guest-visible memory
// are kept. The format is Sv48x4 walked with 9-bit indices at every level,
// so the root uses only the first 512 of its possible 2048 entries.
package stage2

import (
	"fmt"
	"strings"

	"github.com/tinyrange/rvh/internal/mem"
)

// Flags are the low eight bits of an entry.
type Flags uint64

const (
	FlagV Flags = 1 << iota // valid
	FlagR                   // readable
	FlagW                   // writable
	FlagX                   // executable
	FlagU                   // accessible to the guest
	FlagG                   // global
	FlagA                   // accessed
	FlagD                   // dirty

	FlagsRW  = FlagR | FlagW
	FlagsRX  = FlagR | FlagX
	FlagsRWX = FlagR | FlagW | FlagX

	flagsMask Flags = 0xff
)

func (f Flags) String() string {
	const names = "VRWXUGAD"
	var b strings.Builder
	for i := range len(names) {
		if f&(1<<i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Entry is one page table entry: the physical page number in bits 10 and up,
// flags in the low byte.
type Entry uint64

// NewEntry builds an entry for the page containing paddr.
func NewEntry(paddr uint64, flags Flags) Entry {
	return Entry((paddr>>mem.PageShift)<<10 | uint64(flags))
}

// PAddr returns the page address the entry points at, regardless of flags.
func (e Entry) PAddr() uint64 { return (uint64(e) >> 10) << mem.PageShift }

// Flags returns the low eight bits.
func (e Entry) Flags() Flags { return Flags(e) & flagsMask }

// Valid reports whether V is set.
func (e Entry) Valid() bool { return Flags(e)&FlagV != 0 }

// Leaf reports whether the entry maps a page rather than pointing at a table.
func (e Entry) Leaf() bool { return e.Valid() && Flags(e)&(FlagR|FlagW|FlagX) != 0 }

func (e Entry) String() string {
	return fmt.Sprintf("%#x[%s]", e.PAddr(), e.Flags())
}

const (
	// EntriesPerTable is the number of entries in one 4 KiB table.
	EntriesPerTable = 512
	entrySize       = 8
	indexBits       = 9
)

// EntryIndex returns the 9-bit table index of addr at level (0 = leaf).
func EntryIndex(addr uint64, level int) int {
	return int((addr >> (mem.PageShift + indexBits*level)) & (EntriesPerTable - 1))
}

// Memory is the view of host physical memory the tables live in.
type Memory interface {
	Read64(addr uint64) (uint64, error)
	Write64(addr, value uint64) error
}

// Table is a 512-entry page table at a host physical address.
type Table struct {
	mem   Memory
	paddr uint64
}

// AllocTable takes one zeroed page from alloc: 512 invalid entries.
func AllocTable(alloc mem.Allocator, m Memory) (Table, error) {
	paddr, err := alloc.Allocate(mem.PageSize)
	if err != nil {
		return Table{}, fmt.Errorf("stage2: allocate table: %w", err)
	}
	t := Table{mem: m, paddr: paddr}
	// Allocators are not required to hand out zeroed memory.
	for i := range EntriesPerTable {
		if err := t.set(i, 0); err != nil {
			return Table{}, err
		}
	}
	return t, nil
}

// TableAt returns a view of an existing table.
func TableAt(m Memory, paddr uint64) Table {
	return Table{mem: m, paddr: paddr}
}

// PAddr returns the table's host physical address.
func (t Table) PAddr() uint64 { return t.paddr }

// Entry returns entry i.
func (t Table) Entry(i int) (Entry, error) {
	if i < 0 || i >= EntriesPerTable {
		return 0, fmt.Errorf("stage2: entry index %d out of range", i)
	}
	v, err := t.mem.Read64(t.paddr + uint64(i)*entrySize)
	if err != nil {
		return 0, fmt.Errorf("stage2: read entry %d of table %#x: %w", i, t.paddr, err)
	}
	return Entry(v), nil
}

// EntryAt returns the entry covering addr at level.
func (t Table) EntryAt(addr uint64, level int) (Entry, error) {
	return t.Entry(EntryIndex(addr, level))
}

func (t Table) set(i int, e Entry) error {
	if err := t.mem.Write64(t.paddr+uint64(i)*entrySize, uint64(e)); err != nil {
		return fmt.Errorf("stage2: write entry %d of table %#x: %w", i, t.paddr, err)
	}
	return nil
}

// setEntryAt replaces the entry covering addr at level.
func (t Table) setEntryAt(addr uint64, level int, e Entry) error {
	return t.set(EntryIndex(addr, level), e)
}
