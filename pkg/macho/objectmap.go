package macho

import (
	"sort"
	"strings"

	gomacho "github.com/blacktop/go-macho"
)

// ObjectMapEntry is a function contributed to a linked image by one of the
// objects in the debug map.
type ObjectMapEntry struct {
	Name    string
	Address uint64
	Size    uint64
	Object  int
}

// ObjectMap maps addresses of a linked image to the compiled objects that
// produced them. It is derived from the N_OSO and N_FUN stabs emitted by the
// linker when debug info stays in the object files.
type ObjectMap struct {
	entries []ObjectMapEntry
	objects []string
}

// Each compilation unit starts with one or two N_SO entries and one N_OSO
// entry naming the object, and ends with an empty N_SO. Functions are
// described by an N_FUN carrying the name and start address, followed by an
// unnamed N_FUN carrying the size.
func newObjectMap(symbols []gomacho.Symbol) *ObjectMap {
	m := &ObjectMap{}
	index := make(map[string]int)
	object := -1
	var fun *gomacho.Symbol
	for i := range symbols {
		s := &symbols[i]
		if !isStab(uint8(s.Type)) {
			continue
		}
		switch uint8(s.Type) {
		case nSO:
			object = -1
		case nOSO:
			object = -1
			if s.Name == "" {
				continue
			}
			idx, ok := index[s.Name]
			if !ok {
				idx = len(m.objects)
				index[s.Name] = idx
				m.objects = append(m.objects, s.Name)
			}
			object = idx
		case nFun:
			if s.Name != "" {
				fun = s
				continue
			}
			if fun == nil {
				continue
			}
			if object >= 0 {
				m.entries = append(m.entries, ObjectMapEntry{
					Name:    fun.Name,
					Address: fun.Value,
					Size:    s.Value,
					Object:  object,
				})
			}
			fun = nil
		}
	}
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].Address < m.entries[j].Address
	})
	return m
}

// Get returns the entry covering addr.
func (m *ObjectMap) Get(addr uint64) (ObjectMapEntry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Address > addr
	})
	i--
	if i < 0 {
		return ObjectMapEntry{}, false
	}
	e := m.entries[i]
	if e.Size != 0 && addr-e.Address >= e.Size {
		return ObjectMapEntry{}, false
	}
	return e, true
}

// Object returns the path of the object at index i.
func (m *ObjectMap) Object(i int) (string, bool) {
	if i < 0 || i >= len(m.objects) {
		return "", false
	}
	return m.objects[i], true
}

// Objects returns the distinct object paths in order of first appearance.
func (m *ObjectMap) Objects() []string {
	return m.objects
}

func (m *ObjectMap) Entries() []ObjectMapEntry {
	return m.entries
}

// SplitArchivePath splits "libfoo.a(bar.o)" into the archive path and the
// member name.
func SplitArchivePath(path string) (archive, member string, ok bool) {
	i := strings.IndexByte(path, '(')
	if i < 0 {
		return "", "", false
	}
	rest := path[i+1:]
	if !strings.HasSuffix(rest, ")") {
		return "", "", false
	}
	return path[:i], rest[:len(rest)-1], true
}
