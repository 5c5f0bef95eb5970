// Package riscv64 loads RISC-V Linux kernel images into a guest.
package riscv64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/rvh/internal/hv"
)

const (
	// HeaderSize is the size of the RISC-V Image header.
	HeaderSize = 64
	// Magic2 is "RSC\x05", little endian.
	Magic2 uint32 = 0x05435352
	// Magic is the deprecated first magic, "RISCV\0\0\0".
	Magic = "RISCV\x00\x00\x00"

	// MinHeaderVersion is the first header version that carries Magic2.
	MinHeaderVersion = "v0.2"
)

// Header is the 64 byte header at the start of a RISC-V Image.
type Header struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	RawVersion uint32
	Res1       uint32
	Res2       uint64
	Magic      [8]byte
	Magic2     uint32
	Res3       uint32
}

// Version returns the header version as a semver string such as "v0.2".
func (h *Header) Version() string {
	return fmt.Sprintf("v%d.%d", h.RawVersion>>16, h.RawVersion&0xffff)
}

// ParseHeader decodes and validates the header at the start of image.
func ParseHeader(image []byte) (*Header, error) {
	if len(image) < HeaderSize {
		return nil, hv.NewError(hv.KindBadImage, "parse header", 0,
			"%d bytes is shorter than the %d byte header", len(image), HeaderSize)
	}
	var h Header
	if _, err := binary.Decode(image[:HeaderSize], binary.LittleEndian, &h); err != nil {
		return nil, &hv.Error{Kind: hv.KindBadImage, Op: "parse header", Err: err}
	}
	if h.Magic2 != Magic2 {
		return nil, hv.NewError(hv.KindBadMagic, "parse header", 0, "magic2 %#08x", h.Magic2)
	}
	if v := h.Version(); !semver.IsValid(v) || semver.Compare(v, MinHeaderVersion) < 0 {
		return nil, hv.NewError(hv.KindBadImage, "parse header", 0, "header version %s predates %s", v, MinHeaderVersion)
	}
	return &h, nil
}

// KernelImage represents a RISC-V Linux kernel image.
type KernelImage struct {
	payload []byte
	header  *Header
}

// LoadKernel reads a kernel image, decompressing it when it is gzipped, and
// validates its header. A decompressed image larger than limit bytes is
// rejected with hv.KindRegionOverflow; a zero limit means DefaultMemorySize.
func LoadKernel(reader io.ReaderAt, size int64, limit uint64) (*KernelImage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid kernel size: %d", size)
	}

	payload := make([]byte, size)
	n, err := reader.ReadAt(payload, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read kernel: %w", err)
	}
	payload = payload[:n]

	if len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b {
		if limit == 0 {
			limit = DefaultMemorySize
		}
		decompressed, err := decompressGzip(payload, limit)
		if err != nil {
			return nil, fmt.Errorf("decompress kernel: %w", err)
		}
		payload = decompressed
	}

	header, err := ParseHeader(payload)
	if err != nil {
		return nil, err
	}
	return &KernelImage{payload: payload, header: header}, nil
}

// Payload returns the raw kernel bytes, header included.
func (k *KernelImage) Payload() []byte {
	if k == nil {
		return nil
	}
	return k.payload
}

func (k *KernelImage) Header() *Header { return k.header }

// Size returns the size of the kernel payload.
func (k *KernelImage) Size() int64 {
	if k == nil {
		return 0
	}
	return int64(len(k.payload))
}

func decompressGzip(data []byte, limit uint64) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	out, err := io.ReadAll(io.LimitReader(reader, int64(min(limit, math.MaxInt64-1))+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > limit {
		return nil, hv.NewError(hv.KindRegionOverflow, "decompress kernel", 0,
			"image exceeds %d bytes", limit)
	}
	return out, nil
}

// EncodeImage wraps code in a v0.2 Image header. The header's first word
// jumps over the header, so the image can be entered at its first byte.
func EncodeImage(code []byte, textOffset uint64) []byte {
	h := Header{
		Code0:      jumpOverHeader,
		Code1:      nop,
		TextOffset: textOffset,
		ImageSize:  uint64(HeaderSize + len(code)),
		RawVersion: 2,
		Magic2:     Magic2,
	}
	copy(h.Magic[:], Magic)

	out := make([]byte, HeaderSize, HeaderSize+len(code))
	if _, err := binary.Encode(out, binary.LittleEndian, &h); err != nil {
		panic(err)
	}
	return append(out, code...)
}

const (
	// jal x0, 64
	jumpOverHeader uint32 = 0x0400006f
	// addi x0, x0, 0
	nop uint32 = 0x00000013
)
