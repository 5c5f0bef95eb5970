package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const fdtNopToken = 0x4

var ErrBadBlob = errors.New("fdt: malformed blob")

// Header is the fixed part of a blob.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// ParseHeader decodes and sanity checks the blob header.
func ParseHeader(blob []byte) (Header, error) {
	var h Header
	if len(blob) < fdtHeaderSize {
		return h, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadBlob, len(blob))
	}
	if _, err := binary.Decode(blob[:fdtHeaderSize], binary.BigEndian, &h); err != nil {
		return h, fmt.Errorf("%w: %w", ErrBadBlob, err)
	}
	if h.Magic != fdtMagic {
		return h, fmt.Errorf("%w: magic %#x", ErrBadBlob, h.Magic)
	}
	if h.LastCompVersion > fdtVersion || h.Version < fdtLastCompVer {
		return h, fmt.Errorf("%w: unsupported version %d", ErrBadBlob, h.Version)
	}
	if uint64(h.TotalSize) > uint64(len(blob)) ||
		uint64(h.OffStruct)+uint64(h.SizeStruct) > uint64(h.TotalSize) ||
		uint64(h.OffStrings)+uint64(h.SizeStrings) > uint64(h.TotalSize) {
		return h, fmt.Errorf("%w: blocks exceed total size %d", ErrBadBlob, h.TotalSize)
	}
	return h, nil
}

// Parse decodes a blob into a node tree. Property values come back as Bytes.
func Parse(blob []byte) (Node, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return Node{}, err
	}
	p := &parser{
		data:    blob[h.OffStruct : h.OffStruct+h.SizeStruct],
		strings: blob[h.OffStrings : h.OffStrings+h.SizeStrings],
	}

	tok, err := p.token()
	if err != nil {
		return Node{}, err
	}
	if tok != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("%w: structure starts with token %#x", ErrBadBlob, tok)
	}
	root, err := p.node()
	if err != nil {
		return Node{}, err
	}
	if tok, err := p.token(); err != nil || tok != fdtEndToken {
		return Node{}, fmt.Errorf("%w: missing end token", ErrBadBlob)
	}
	return root, nil
}

type parser struct {
	data    []byte
	off     int
	strings []byte
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrBadBlob)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

// token returns the next token, skipping NOPs.
func (p *parser) token() (uint32, error) {
	for {
		tok, err := p.u32()
		if err != nil || tok != fdtNopToken {
			return tok, err
		}
	}
}

func (p *parser) align() { p.off = (p.off + 3) &^ 3 }

// node parses the body of a node whose begin token was just read.
func (p *parser) node() (Node, error) {
	end := bytes.IndexByte(p.data[p.off:], 0)
	if end < 0 {
		return Node{}, fmt.Errorf("%w: unterminated node name", ErrBadBlob)
	}
	n := Node{Name: string(p.data[p.off : p.off+end])}
	p.off += end + 1
	p.align()

	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtPropToken:
			name, value, err := p.property()
			if err != nil {
				return Node{}, err
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			prop := Property{Bytes: value}
			if len(value) == 0 {
				prop = Flag()
			}
			n.Properties[name] = prop
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x in node %q", ErrBadBlob, tok, n.Name)
		}
	}
}

func (p *parser) property() (string, []byte, error) {
	length, err := p.u32()
	if err != nil {
		return "", nil, err
	}
	nameOff, err := p.u32()
	if err != nil {
		return "", nil, err
	}
	if p.off+int(length) > len(p.data) {
		return "", nil, fmt.Errorf("%w: property overruns structure block", ErrBadBlob)
	}
	value := append([]byte(nil), p.data[p.off:p.off+int(length)]...)
	p.off += int(length)
	p.align()

	if int(nameOff) >= len(p.strings) {
		return "", nil, fmt.Errorf("%w: property name offset %d", ErrBadBlob, nameOff)
	}
	end := bytes.IndexByte(p.strings[nameOff:], 0)
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unterminated property name", ErrBadBlob)
	}
	return string(p.strings[nameOff : int(nameOff)+end]), value, nil
}
