package stage2

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvh/internal/hv"
	"github.com/tinyrange/rvh/internal/mem"
)

const (
	// ModeSv48x4 is the hgatp MODE value for four-level G-stage tables.
	ModeSv48x4 = 9
	// Levels is the depth of the tree; level 0 holds the leaves.
	Levels = 4

	modeShift = 60
)

// GuestPageTable is the G-stage translation tree for one guest. It owns the
// root table and every table reachable from it. Entries are only ever added.
type GuestPageTable struct {
	alloc  mem.Allocator
	mem    Memory
	root   Table
	tables int
}

// New allocates an empty root table.
func New(alloc mem.Allocator, m Memory) (*GuestPageTable, error) {
	root, err := AllocTable(alloc, m)
	if err != nil {
		return nil, fmt.Errorf("stage2: root table: %w", err)
	}
	return &GuestPageTable{alloc: alloc, mem: m, root: root, tables: 1}, nil
}

// Root returns the host physical address of the root table.
func (pt *GuestPageTable) Root() uint64 { return pt.root.PAddr() }

// ActivationValue is the hgatp value that installs this table: Sv48x4 mode,
// VMID 0 and the root's page number.
func (pt *GuestPageTable) ActivationValue() uint64 {
	return ModeSv48x4<<modeShift | pt.root.PAddr()>>mem.PageShift
}

// Tables returns the number of tables in the tree, root included.
func (pt *GuestPageTable) Tables() int { return pt.tables }

// Map installs a 4 KiB translation from the page containing gpa to the page
// containing hpa. Missing intermediate tables are allocated. The leaf gets
// flags|V|U. Mapping a page twice fails with hv.KindDoubleMap and leaves the
// tree unchanged.
func (pt *GuestPageTable) Map(gpa, hpa uint64, flags Flags) error {
	table := pt.root
	for level := Levels - 1; level > 0; level-- {
		e, err := table.EntryAt(gpa, level)
		if err != nil {
			return err
		}
		if !e.Valid() {
			next, err := AllocTable(pt.alloc, pt.mem)
			if err != nil {
				return err
			}
			pt.tables++
			e = NewEntry(next.PAddr(), FlagV)
			if err := table.setEntryAt(gpa, level, e); err != nil {
				return err
			}
		}
		table = TableAt(pt.mem, e.PAddr())
	}

	leaf, err := table.EntryAt(gpa, 0)
	if err != nil {
		return err
	}
	if leaf.Valid() {
		return hv.NewError(hv.KindDoubleMap, "map", gpa, "already maps %#x", leaf.PAddr())
	}
	if err := table.setEntryAt(gpa, 0, NewEntry(hpa, flags|FlagV|FlagU)); err != nil {
		return err
	}

	slog.Debug("map", "gpa", fmt.Sprintf("%#x", gpa), "hpa", fmt.Sprintf("%#x", hpa), "flags", flags)
	return nil
}

// Lookup walks the tree without allocating and returns the leaf for gpa.
func (pt *GuestPageTable) Lookup(gpa uint64) (Entry, bool) {
	table := pt.root
	for level := Levels - 1; level > 0; level-- {
		e, err := table.EntryAt(gpa, level)
		if err != nil || !e.Valid() {
			return 0, false
		}
		table = TableAt(pt.mem, e.PAddr())
	}
	leaf, err := table.EntryAt(gpa, 0)
	if err != nil || !leaf.Valid() {
		return 0, false
	}
	return leaf, true
}

// Translate returns the host physical address gpa maps to.
func (pt *GuestPageTable) Translate(gpa uint64) (uint64, Flags, bool) {
	leaf, ok := pt.Lookup(gpa)
	if !ok {
		return 0, 0, false
	}
	return leaf.PAddr() | gpa&mem.PageMask, leaf.Flags(), true
}

// Mapping is one leaf of the tree.
type Mapping struct {
	GPA   uint64
	HPA   uint64
	Flags Flags
}

// Walk calls fn for every mapped page in ascending guest address order. It
// stops at the first error fn returns.
func (pt *GuestPageTable) Walk(fn func(Mapping) error) error {
	return pt.walk(pt.root, Levels-1, 0, fn)
}

func (pt *GuestPageTable) walk(table Table, level int, base uint64, fn func(Mapping) error) error {
	for i := range EntriesPerTable {
		e, err := table.Entry(i)
		if err != nil {
			return err
		}
		if !e.Valid() {
			continue
		}
		addr := base | uint64(i)<<(mem.PageShift+indexBits*level)
		if level == 0 {
			if err := fn(Mapping{GPA: addr, HPA: e.PAddr(), Flags: e.Flags()}); err != nil {
				return err
			}
			continue
		}
		if err := pt.walk(TableAt(pt.mem, e.PAddr()), level-1, addr, fn); err != nil {
			return err
		}
	}
	return nil
}
