// Package fdt builds and parses flattened device tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Property is a single device-tree property. Exactly one of the typed fields
// should be populated; Parse fills Bytes only, since the blob carries no type
// information.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

func Strings(s ...string) Property { return Property{Strings: s} }
func U32(v ...uint32) Property     { return Property{U32: v} }
func U64(v ...uint64) Property     { return Property{U64: v} }
func Flag() Property               { return Property{Flag: true} }

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			count++
		}
	}
	return count
}

// Validate checks that exactly one value kind is populated.
func (p Property) Validate() error {
	switch p.DefinedCount() {
	case 0:
		return fmt.Errorf("fdt: property has no values")
	case 1:
		return nil
	default:
		return fmt.Errorf("fdt: property has multiple value kinds (%s first)", p.Kind())
	}
}

// Raw returns the property value as it is stored in a blob.
func (p Property) Raw() []byte {
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes()
	case "u32":
		data := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
		return data
	case "u64":
		data := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
		return data
	case "bytes":
		return append([]byte(nil), p.Bytes...)
	default:
		return nil
	}
}

// AsString decodes a raw or string property as a single NUL-terminated string.
func (p Property) AsString() string {
	if len(p.Strings) > 0 {
		return p.Strings[0]
	}
	s, _, _ := strings.Cut(string(p.Bytes), "\x00")
	return s
}

// AsU32 decodes the first cell of a property.
func (p Property) AsU32() (uint32, bool) {
	if len(p.U32) > 0 {
		return p.U32[0], true
	}
	raw := p.Raw()
	if len(raw) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw), true
}

// AsU64s decodes the property as a list of 64-bit values (two cells each).
func (p Property) AsU64s() []uint64 {
	raw := p.Raw()
	out := make([]uint64, 0, len(raw)/8)
	for len(raw) >= 8 {
		out = append(out, binary.BigEndian.Uint64(raw))
		raw = raw[8:]
	}
	return out
}

// Node is a device-tree node.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}

// Validate checks n and its descendants: names must not contain '/' and
// every property must be well formed.
func (n *Node) Validate() error {
	if strings.ContainsRune(n.Name, '/') {
		return fmt.Errorf("fdt: node name %q contains '/'", n.Name)
	}
	for name, p := range n.Properties {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %q in node %q", err, name, n.Name)
		}
	}
	for i := range n.Children {
		if err := n.Children[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// Find resolves a slash separated path such as "/cpus/cpu@0" from n.
func (n *Node) Find(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Property returns the named property.
func (n *Node) Property(name string) (Property, bool) {
	p, ok := n.Properties[name]
	return p, ok
}
