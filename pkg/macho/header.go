package macho

import (
	"bytes"
	"encoding/binary"
	"runtime"

	"github.com/blacktop/go-macho/types"
)

// Header is a parsed thin Mach-O header.
type Header struct {
	Magic     uint32
	Cpu       Cpu
	SubCpu    uint32
	Type      FileType
	Ncmd      uint32
	Cmdsz     uint32
	Flags     uint32
	ByteOrder binary.ByteOrder
	Is64      bool
}

// PointerWidth returns the pointer size in bytes.
func (h Header) PointerWidth() int {
	if h.Is64 {
		return 8
	}
	return 4
}

func (h Header) size() uint64 {
	if h.Is64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// IsObject reports whether the image is an unlinked relocatable object.
func (h Header) IsObject() bool {
	return h.Type == TypeObject
}

// HostCPU returns the cpu type of the running process, or 0 when the
// architecture has no Mach-O equivalent.
func HostCPU() Cpu {
	return CPUForArch(runtime.GOARCH)
}

// CPUForArch maps a GOARCH value to a Mach-O cpu type.
func CPUForArch(arch string) Cpu {
	switch arch {
	case "386":
		return CpuX86
	case "amd64":
		return CpuX86_64
	case "arm":
		return CpuARM
	case "arm64":
		return CpuARM64
	}
	return 0
}

// FindHeader locates the thin image inside data. Fat containers are searched
// for the slice matching cpu; only the descriptor table and the selected
// slice are read.
func FindHeader(data []byte, cpu Cpu) (Header, []byte, error) {
	if len(data) < 4 {
		return Header{}, nil, formatError(0, "file too small for magic", len(data))
	}
	switch binary.BigEndian.Uint32(data) {
	case MagicMH, MagicCIGAM, MagicMH64, MagicCIGAM64:
	case MagicFat, MagicFatCIGAM:
		slice, err := findFatSlice(data, cpu, false)
		if err != nil {
			return Header{}, nil, err
		}
		data = slice
	case MagicFat64, MagicFatCIGAM64:
		slice, err := findFatSlice(data, cpu, true)
		if err != nil {
			return Header{}, nil, err
		}
		data = slice
	default:
		return Header{}, nil, ErrUnrecognized
	}
	h, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	return h, data, nil
}

func findFatSlice(data []byte, cpu Cpu, is64 bool) ([]byte, error) {
	if len(data) < fatHeaderSize {
		return nil, formatError(0, "truncated fat header", nil)
	}
	be := binary.BigEndian
	narch := uint64(be.Uint32(data[4:]))
	archSize := uint64(fatArchSize32)
	if is64 {
		archSize = fatArchSize64
	}
	off := uint64(fatHeaderSize)
	for i := uint64(0); i < narch; i++ {
		if off+archSize > uint64(len(data)) {
			return nil, formatError(off, "truncated fat arch table", i)
		}
		arch := data[off : off+archSize]
		off += archSize
		if Cpu(be.Uint32(arch[0:])) != cpu {
			continue
		}
		var start, size uint64
		if is64 {
			start = be.Uint64(arch[8:])
			size = be.Uint64(arch[16:])
		} else {
			start = uint64(be.Uint32(arch[8:]))
			size = uint64(be.Uint32(arch[12:]))
		}
		end := start + size
		if end < start || end > uint64(len(data)) {
			return nil, formatError(off-archSize, "fat slice out of bounds", cpu)
		}
		return data[start:end], nil
	}
	return nil, ErrUnsupportedArch
}

// ParseHeader decodes the thin Mach-O header at the start of data, in either
// byte order.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 4 {
		return Header{}, formatError(0, "file too small for magic", len(data))
	}
	var h Header
	switch binary.LittleEndian.Uint32(data) {
	case MagicMH:
		h.ByteOrder = binary.LittleEndian
	case MagicMH64:
		h.ByteOrder, h.Is64 = binary.LittleEndian, true
	case MagicCIGAM:
		h.ByteOrder = binary.BigEndian
	case MagicCIGAM64:
		h.ByteOrder, h.Is64 = binary.BigEndian, true
	default:
		return Header{}, ErrUnrecognized
	}
	if uint64(len(data)) < h.size() {
		return Header{}, formatError(0, "truncated mach-o header", len(data))
	}
	// types.FileHeader always carries the reserved word of the 64-bit layout.
	raw := make([]byte, types.FileHeaderSize64)
	copy(raw, data[:h.size()])
	var fh types.FileHeader
	if err := binary.Read(bytes.NewReader(raw), h.ByteOrder, &fh); err != nil {
		return Header{}, formatError(0, "truncated mach-o header", err)
	}
	h.Magic = uint32(fh.Magic)
	h.Cpu = Cpu(fh.CPU)
	h.SubCpu = uint32(fh.SubCPU)
	h.Type = FileType(fh.Type)
	h.Ncmd = fh.NCommands
	h.Cmdsz = fh.SizeCommands
	h.Flags = uint32(fh.Flags)
	if h.size()+uint64(h.Cmdsz) > uint64(len(data)) {
		return Header{}, formatError(h.size(), "load commands exceed file size", h.Cmdsz)
	}
	return h, nil
}
