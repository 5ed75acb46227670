package macho

import (
	"sort"
	"strings"
)

// maxSectionName is the size of the fixed-width sectname field.
const maxSectionName = 16

// Section returns the contents of the debug section called name. Both the
// generic dotted form (".debug_info") and the native form ("__debug_info")
// are accepted. It returns nil when no debug segment was captured, when no
// section matches, or when the section has no file contents.
func (o *Object) Section(name string) []byte {
	if !o.hasDWARF {
		return nil
	}
	for i := range o.dwarf {
		s := &o.dwarf[i]
		if !sectionNameMatches(s.Name, name) {
			continue
		}
		return o.sectionData(s)
	}
	return nil
}

func sectionNameMatches(sectName, name string) bool {
	if sectName == name {
		return true
	}
	if !strings.HasPrefix(sectName, "__") || !strings.HasPrefix(name, ".") {
		return false
	}
	native := "__" + name[1:]
	if native == sectName {
		return true
	}
	// long names are truncated to the sectname field width
	return len(native) > maxSectionName && len(sectName) == maxSectionName && native[:maxSectionName] == sectName
}

func (o *Object) sectionData(s *Section) []byte {
	if !s.hasContents() {
		return nil
	}
	start := uint64(s.Offset)
	end := start + s.Size
	if end < start || end > uint64(len(o.data)) {
		return nil
	}
	return o.data[start:end]
}

// SearchSymtab returns the symbol with the greatest address not above addr.
// Among symbols sharing that address the first in symbol table order wins.
func (o *Object) SearchSymtab(addr uint64) (Symbol, bool) {
	i := sort.Search(len(o.syms), func(i int) bool {
		return o.syms[i].Address > addr
	})
	i--
	if i < 0 {
		return Symbol{}, false
	}
	for i > 0 && o.syms[i-1].Address == o.syms[i].Address {
		i--
	}
	return o.syms[i], true
}

// LookupSymbol returns the first symbol named name, scanning linearly.
func (o *Object) LookupSymbol(name string) (Symbol, bool) {
	for _, s := range o.syms {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// Symbols returns the sorted symbol list. The slice must not be modified.
func (o *Object) Symbols() []Symbol {
	return o.syms
}
