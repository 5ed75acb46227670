// Package machotest builds small Mach-O, fat and ar fixtures for tests.
package machotest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/go-macho/types"

	"github.com/grafana/machosym/pkg/macho"
)

// nlist type values.
const (
	NSectExt uint8 = 0x0f
	NSect    uint8 = 0x0e
	NUndfExt uint8 = 0x01
	NAbs     uint8 = 0x02

	NFun uint8 = 0x24
	NSO  uint8 = 0x64
	NOSO uint8 = 0x66
)

type Sym struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Func is a defined external symbol in section 1.
func Func(name string, addr uint64) Sym {
	return Sym{Name: name, Type: NSectExt, Sect: 1, Value: addr}
}

func Undef(name string) Sym {
	return Sym{Name: name, Type: NUndfExt}
}

func Stab(typ uint8, name string, value uint64) Sym {
	return Sym{Name: name, Type: typ, Value: value}
}

// FuncRange describes a function for debug map and DWARF fixtures.
type FuncRange struct {
	Name string
	Addr uint64
	Size uint64
}

// DebugMapUnit emits the stabs the linker writes for one object file.
func DebugMapUnit(object string, funcs ...FuncRange) []Sym {
	syms := []Sym{
		Stab(NSO, "/src/", 0),
		Stab(NSO, "unit.c", 0),
		Stab(NOSO, object, 0),
	}
	for _, f := range funcs {
		syms = append(syms, Stab(NFun, f.Name, f.Addr), Stab(NFun, "", f.Size))
	}
	return append(syms, Stab(NSO, "", 0))
}

type Sect struct {
	Name  string
	Addr  uint64
	Data  []byte
	Flags uint32
	// Size overrides len(Data) when non-zero.
	Size uint64
}

type Seg struct {
	Name     string
	Addr     uint64
	Size     uint64
	Sections []Sect
}

// Image describes a thin Mach-O file.
type Image struct {
	Cpu       macho.Cpu
	Type      macho.FileType
	Is64      bool
	BigEndian bool
	UUID      *[16]byte
	Segments  []Seg
	Symbols   []Sym
	// NoSymtab omits the LC_SYMTAB command entirely.
	NoSymtab bool
	// ExtraUUIDs and ExtraSymtabs are written as further LC_UUID and
	// LC_SYMTAB commands after the regular ones.
	ExtraUUIDs   [][16]byte
	ExtraSymtabs [][]Sym
}

// UUID returns a uuid whose bytes are all b.
func UUID(b byte) *[16]byte {
	var u [16]byte
	for i := range u {
		u[i] = b
	}
	return &u
}

type writer struct {
	bo  binary.AppendByteOrder
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = w.bo.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = w.bo.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = w.bo.AppendUint64(w.buf, v) }

func (w *writer) word(is64 bool, v uint64) {
	if is64 {
		w.u64(v)
	} else {
		w.u32(uint32(v))
	}
}

func (w *writer) name16(s string) {
	var b [16]byte
	copy(b[:], s)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) align(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Bytes serialises the image.
func (im Image) Bytes() []byte {
	var bo binary.AppendByteOrder = binary.LittleEndian
	if im.BigEndian {
		bo = binary.BigEndian
	}
	hdrSize, segSize, sectSize := 28, 56, 68
	if im.Is64 {
		hdrSize, segSize, sectSize = 32, 72, 80
	}

	ncmds := 0
	cmdsz := 0
	for _, s := range im.Segments {
		ncmds++
		cmdsz += segSize + len(s.Sections)*sectSize
	}
	if im.UUID != nil {
		ncmds++
		cmdsz += 24
	}
	ncmds += len(im.ExtraUUIDs)
	cmdsz += 24 * len(im.ExtraUUIDs)
	var symtabs [][]Sym
	if !im.NoSymtab {
		symtabs = append(symtabs, im.Symbols)
	}
	symtabs = append(symtabs, im.ExtraSymtabs...)
	ncmds += len(symtabs)
	cmdsz += 24 * len(symtabs)

	// data layout after the load commands
	dataOff := hdrSize + cmdsz
	dataOff += (8 - dataOff%8) % 8
	var data writer
	data.bo = bo
	offsets := make([][]uint32, len(im.Segments))
	for i, s := range im.Segments {
		offsets[i] = make([]uint32, len(s.Sections))
		for j, sect := range s.Sections {
			if len(sect.Data) == 0 {
				continue
			}
			data.align(8)
			offsets[i][j] = uint32(dataOff + len(data.buf))
			data.buf = append(data.buf, sect.Data...)
		}
	}
	type tableOffsets struct {
		symoff, nsyms, stroff, strsize int
	}
	tables := make([]tableOffsets, len(symtabs))
	for i, syms := range symtabs {
		data.align(8)
		symoff := dataOff + len(data.buf)
		strtab := []byte{0}
		for _, sym := range syms {
			strx := uint32(0)
			if sym.Name != "" {
				strx = uint32(len(strtab))
				strtab = append(strtab, sym.Name...)
				strtab = append(strtab, 0)
			}
			data.u32(strx)
			data.u8(sym.Type)
			data.u8(sym.Sect)
			data.u16(sym.Desc)
			data.word(im.Is64, sym.Value)
		}
		stroff := dataOff + len(data.buf)
		data.buf = append(data.buf, strtab...)
		tables[i] = tableOffsets{symoff, len(syms), stroff, len(strtab)}
	}

	w := writer{bo: bo}
	if im.Is64 {
		w.u32(macho.MagicMH64)
	} else {
		w.u32(macho.MagicMH)
	}
	w.u32(uint32(im.Cpu))
	w.u32(0)
	w.u32(uint32(im.Type))
	w.u32(uint32(ncmds))
	w.u32(uint32(cmdsz))
	w.u32(0)
	if im.Is64 {
		w.u32(0)
	}
	for i, s := range im.Segments {
		if im.Is64 {
			w.u32(uint32(types.LC_SEGMENT_64))
		} else {
			w.u32(uint32(types.LC_SEGMENT))
		}
		w.u32(uint32(segSize + len(s.Sections)*sectSize))
		w.name16(s.Name)
		w.word(im.Is64, s.Addr)
		w.word(im.Is64, s.Size)
		w.word(im.Is64, 0)
		w.word(im.Is64, 0)
		w.u32(7)
		w.u32(7)
		w.u32(uint32(len(s.Sections)))
		w.u32(0)
		for j, sect := range s.Sections {
			size := sect.Size
			if size == 0 {
				size = uint64(len(sect.Data))
			}
			w.name16(sect.Name)
			w.name16(s.Name)
			w.word(im.Is64, sect.Addr)
			w.word(im.Is64, size)
			w.u32(offsets[i][j])
			w.u32(0)
			w.u32(0)
			w.u32(0)
			w.u32(sect.Flags)
			w.u32(0)
			w.u32(0)
			if im.Is64 {
				w.u32(0)
			}
		}
	}
	uuids := im.ExtraUUIDs
	if im.UUID != nil {
		uuids = append([][16]byte{*im.UUID}, uuids...)
	}
	for _, u := range uuids {
		w.u32(uint32(types.LC_UUID))
		w.u32(24)
		w.buf = append(w.buf, u[:]...)
	}
	for _, t := range tables {
		w.u32(uint32(types.LC_SYMTAB))
		w.u32(24)
		w.u32(uint32(t.symoff))
		w.u32(uint32(t.nsyms))
		w.u32(uint32(t.stroff))
		w.u32(uint32(t.strsize))
	}
	for len(w.buf) < dataOff {
		w.buf = append(w.buf, 0)
	}
	return append(w.buf, data.buf...)
}

// FatSlice is one architecture of a fat file.
type FatSlice struct {
	Cpu  macho.Cpu
	Data []byte
}

// Fat builds a universal binary. Slices are aligned to 16 bytes.
func Fat(is64 bool, slices ...FatSlice) []byte {
	w := writer{bo: binary.BigEndian}
	if is64 {
		w.u32(macho.MagicFat64)
	} else {
		w.u32(macho.MagicFat)
	}
	w.u32(uint32(len(slices)))
	archSize := 20
	if is64 {
		archSize = 32
	}
	off := 8 + len(slices)*archSize
	offsets := make([]int, len(slices))
	for i, s := range slices {
		off += (16 - off%16) % 16
		offsets[i] = off
		off += len(s.Data)
	}
	for i, s := range slices {
		w.u32(uint32(s.Cpu))
		w.u32(0)
		if is64 {
			w.u64(uint64(offsets[i]))
			w.u64(uint64(len(s.Data)))
			w.u32(4)
			w.u32(0)
		} else {
			w.u32(uint32(offsets[i]))
			w.u32(uint32(len(s.Data)))
			w.u32(4)
		}
	}
	for i, s := range slices {
		for len(w.buf) < offsets[i] {
			w.buf = append(w.buf, 0)
		}
		w.buf = append(w.buf, s.Data...)
	}
	return w.buf
}

// Member is an ar archive member.
type Member struct {
	Name string
	Data []byte
}

// Archive builds an ar archive. BSD archives store long names inline with
// the "#1/N" convention and GNU archives use a "//" name table.
func Archive(gnu bool, members ...Member) []byte {
	out := []byte("!<arch>\n")
	header := func(name string, size int) {
		h := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", size)
		out = append(out, h...)
	}
	body := func(data []byte) {
		out = append(out, data...)
		if len(out)%2 != 0 {
			out = append(out, '\n')
		}
	}
	if !gnu {
		for _, m := range members {
			name := []byte(m.Name)
			for len(name)%8 != 0 {
				name = append(name, 0)
			}
			header(fmt.Sprintf("#1/%d", len(name)), len(name)+len(m.Data))
			body(append(name, m.Data...))
		}
		return out
	}
	var names []byte
	offsets := make(map[string]int)
	for _, m := range members {
		if len(m.Name) > 15 {
			offsets[m.Name] = len(names)
			names = append(names, m.Name+"/\n"...)
		}
	}
	header("/", 4)
	body([]byte{0, 0, 0, 0})
	if len(names) > 0 {
		header("//", len(names))
		body(names)
	}
	for _, m := range members {
		if off, ok := offsets[m.Name]; ok {
			header(fmt.Sprintf("/%d", off), len(m.Data))
		} else {
			header(m.Name+"/", len(m.Data))
		}
		body(m.Data)
	}
	return out
}

// DWARF encodes a DWARF 4 compile unit named unit with one subprogram per
// function, suitable for a __DWARF segment. Line programs are not emitted.
func DWARF(unit string, funcs ...FuncRange) []Sect {
	const (
		tagCompileUnit = 0x11
		tagSubprogram  = 0x2e
		atName         = 0x03
		atLowpc        = 0x11
		atHighpc       = 0x12
		formAddr       = 0x01
		formData8      = 0x07
		formString     = 0x08
	)
	abbrev := []byte{
		1, tagCompileUnit, 1,
		atName, formString, atLowpc, formAddr, atHighpc, formData8, 0, 0,
		2, tagSubprogram, 0,
		atName, formString, atLowpc, formAddr, atHighpc, formData8, 0, 0,
		0,
	}
	sorted := append([]FuncRange(nil), funcs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	var low, high uint64
	if len(sorted) > 0 {
		low = sorted[0].Addr
		for _, f := range sorted {
			if f.Addr+f.Size > high {
				high = f.Addr + f.Size
			}
		}
	}

	die := writer{bo: binary.LittleEndian}
	die.u8(1)
	die.buf = append(die.buf, unit...)
	die.u8(0)
	die.u64(low)
	die.u64(high - low)
	for _, f := range sorted {
		die.u8(2)
		die.buf = append(die.buf, f.Name...)
		die.u8(0)
		die.u64(f.Addr)
		die.u64(f.Size)
	}
	die.u8(0)

	info := writer{bo: binary.LittleEndian}
	info.u32(uint32(2 + 4 + 1 + len(die.buf)))
	info.u16(4)
	info.u32(0)
	info.u8(8)
	info.buf = append(info.buf, die.buf...)

	return []Sect{
		{Name: "__debug_abbrev", Data: abbrev},
		{Name: "__debug_info", Data: info.buf},
	}
}
