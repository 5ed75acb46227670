package macho

import (
	"bytes"
	"encoding/binary"
	"sort"

	gomacho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// Section is a section header. Contents are sliced from the image on demand.
type Section struct {
	Name    string
	Segment string
	Addr    uint64
	Size    uint64
	Offset  uint32
	Flags   uint32
}

func (s *Section) hasContents() bool {
	switch s.Flags & sectionTypeMask {
	case sZeroFill, sGBZeroFill, sThreadLocalZeroFill:
		return false
	}
	return true
}

// Segment summarises a segment load command.
type Segment struct {
	Name     string
	Addr     uint64
	Size     uint64
	Offset   uint64
	Filesz   uint64
	Sections int
}

// Symbol is a defined, named symbol table entry.
type Symbol struct {
	Name    string
	Address uint64
}

// Object is the result of a single pass over an image's load commands.
type Object struct {
	Header Header

	data      []byte
	uuid      [16]byte
	hasUUID   bool
	dwarf     []Section
	hasDWARF  bool
	segments  []Segment
	syms      []Symbol
	objectMap *ObjectMap
}

// Parse decodes the load commands of the thin image in data. Any malformed
// command fails the whole parse. When a command kind repeats, the last one
// wins.
func Parse(h Header, data []byte) (*Object, error) {
	if h.size()+uint64(h.Cmdsz) > uint64(len(data)) {
		return nil, formatError(h.size(), "load commands exceed file size", h.Cmdsz)
	}
	f, err := gomacho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Msg: "invalid mach-o image", Val: err}
	}

	o := &Object{Header: h, data: data}
	isObject := h.IsObject()
	for i, l := range f.Loads {
		switch l := l.(type) {
		case nil:
			return nil, formatError(0, "load command not decoded", i)
		case *gomacho.Segment:
			seg, sections, err := segment(f, l)
			if err != nil {
				return nil, err
			}
			o.segments = append(o.segments, seg)
			if seg.Name == SegmentDWARF || (isObject && seg.Name == "") {
				o.dwarf = sections
				o.hasDWARF = true
			}
		case *gomacho.Symtab:
			syms, err := symbols(l, h, len(data))
			if err != nil {
				return nil, err
			}
			o.syms = syms
			o.objectMap = nil
			if !isObject {
				o.objectMap = newObjectMap(l.Syms)
			}
		case *gomacho.UUID:
			raw := []byte(l.LoadBytes)
			if len(raw) < 24 {
				return nil, formatError(0, "truncated uuid command", len(raw))
			}
			copy(o.uuid[:], raw[8:24])
			o.hasUUID = true
		}
	}
	return o, nil
}

func segment(f *gomacho.File, l *gomacho.Segment) (Segment, []Section, error) {
	seg := Segment{
		Name:     l.Name,
		Addr:     l.Addr,
		Size:     l.Memsz,
		Offset:   l.Offset,
		Filesz:   l.Filesz,
		Sections: int(l.Nsect),
	}
	first, n := uint64(l.Firstsect), uint64(l.Nsect)
	if first+n > uint64(len(f.Sections)) {
		return seg, nil, formatError(l.Offset, "too many sections in segment", l.Nsect)
	}
	sections := make([]Section, 0, n)
	for _, sh := range f.Sections[first : first+n] {
		sections = append(sections, Section{
			Name:    sh.Name,
			Segment: sh.Seg,
			Addr:    sh.Addr,
			Size:    sh.Size,
			Offset:  sh.Offset,
			Flags:   uint32(sh.Flags),
		})
	}
	return seg, sections, nil
}

func isStab(typ uint8) bool {
	return typ&nStab != 0
}

func isDefinition(typ uint8) bool {
	if isStab(typ) {
		return false
	}
	t := typ & nType
	return t != nUndf && t != nPbud
}

// symbols returns the named definitions of st sorted by address.
func symbols(st *gomacho.Symtab, h Header, size int) ([]Symbol, error) {
	if uint64(st.Stroff)+uint64(st.Strsize) > uint64(size) {
		return nil, formatError(uint64(st.Stroff), "string table out of bounds", st.Strsize)
	}
	entSize := uint64(binary.Size(types.Nlist32{}))
	if h.Is64 {
		entSize = uint64(binary.Size(types.Nlist64{}))
	}
	if uint64(st.Symoff)+uint64(st.Nsyms)*entSize > uint64(size) {
		return nil, formatError(uint64(st.Symoff), "symbol table out of bounds", st.Nsyms)
	}

	syms := make([]Symbol, 0, len(st.Syms))
	for _, s := range st.Syms {
		if s.Name == "" || !isDefinition(uint8(s.Type)) {
			continue
		}
		syms = append(syms, Symbol{Name: s.Name, Address: s.Value})
	}
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Address < syms[j].Address
	})
	return syms, nil
}

// UUID returns the LC_UUID value, if present.
func (o *Object) UUID() ([16]byte, bool) {
	return o.uuid, o.hasUUID
}

// HasDWARF reports whether a debug segment was found.
func (o *Object) HasDWARF() bool {
	return o.hasDWARF
}

// DWARFSections returns the captured debug section table.
func (o *Object) DWARFSections() []Section {
	return o.dwarf
}

func (o *Object) Segments() []Segment {
	return o.segments
}

// TextBase returns the preferred load address of the __TEXT segment.
func (o *Object) TextBase() uint64 {
	for _, s := range o.segments {
		if s.Name == SegmentText {
			return s.Addr
		}
	}
	return 0
}

// ObjectMap returns the debug map, or nil for relocatable objects and images
// without a symbol table.
func (o *Object) ObjectMap() *ObjectMap {
	return o.objectMap
}
