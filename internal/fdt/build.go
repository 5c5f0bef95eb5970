package fdt

import (
	"encoding/binary"
	"maps"
	"slices"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9

	// One terminating all-zero reservation entry.
	memReserveSize = 16
)

var be = binary.BigEndian

// Build serializes a node tree into a version 17 blob. The root node's name
// is ignored. Properties are emitted in name order, children in slice order.
func Build(root Node) ([]byte, error) {
	root.Name = ""
	if err := root.Validate(); err != nil {
		return nil, err
	}

	var w blobWriter
	w.node(&root)
	w.structure = be.AppendUint32(w.structure, fdtEndToken)

	h := Header{
		Magic:           fdtMagic,
		OffMemRsvmap:    fdtHeaderSize,
		OffStruct:       fdtHeaderSize + memReserveSize,
		Version:         fdtVersion,
		LastCompVersion: fdtLastCompVer,
		SizeStruct:      uint32(len(w.structure)),
		SizeStrings:     uint32(len(w.strings)),
	}
	h.OffStrings = h.OffStruct + h.SizeStruct
	h.TotalSize = h.OffStrings + h.SizeStrings

	blob := make([]byte, fdtHeaderSize+memReserveSize, h.TotalSize)
	if _, err := binary.Encode(blob, be, &h); err != nil {
		return nil, err
	}
	blob = append(blob, w.structure...)
	return append(blob, w.strings...), nil
}

// blobWriter accumulates the structure block and the deduplicated strings
// block. Validation has already happened.
type blobWriter struct {
	structure []byte
	strings   []byte
	offsets   map[string]uint32
}

func (w *blobWriter) node(n *Node) {
	w.structure = be.AppendUint32(w.structure, fdtBeginNodeToken)
	w.structure = append(w.structure, n.Name...)
	w.structure = append(w.structure, 0)
	w.pad()

	for _, name := range slices.Sorted(maps.Keys(n.Properties)) {
		value := n.Properties[name].Raw()
		w.structure = be.AppendUint32(w.structure, fdtPropToken)
		w.structure = be.AppendUint32(w.structure, uint32(len(value)))
		w.structure = be.AppendUint32(w.structure, w.nameOffset(name))
		w.structure = append(w.structure, value...)
		w.pad()
	}
	for i := range n.Children {
		w.node(&n.Children[i])
	}
	w.structure = be.AppendUint32(w.structure, fdtEndNodeToken)
}

func (w *blobWriter) nameOffset(name string) uint32 {
	if off, ok := w.offsets[name]; ok {
		return off
	}
	if w.offsets == nil {
		w.offsets = make(map[string]uint32)
	}
	off := uint32(len(w.strings))
	w.strings = append(append(w.strings, name...), 0)
	w.offsets[name] = off
	return off
}

func (w *blobWriter) pad() {
	for len(w.structure)%4 != 0 {
		w.structure = append(w.structure, 0)
	}
}
