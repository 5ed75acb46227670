// Package archive reads ar(1) static libraries in both the BSD and the GNU
// long-name conventions.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	magic      = "!<arch>\n"
	headerSize = 60
	headerEnd  = "`\n"

	bsdLongNamePrefix = "#1/"
	gnuNameTable      = "//"
	gnuSymbolIndex    = "/"
	gnuSymbolIndex64  = "/SYM64/"
	bsdSymbolIndex    = "__.SYMDEF"
)

var ErrNotArchive = errors.New("missing ar magic")

// FormatError is returned for archives whose member headers are damaged.
type FormatError struct {
	Off int
	Msg string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("archive: %s at byte %#x", e.Msg, e.Off)
}

// Member is a single archive member. Data aliases the archive buffer.
type Member struct {
	Name string
	Data []byte
}

type File struct {
	members []Member
}

// IsArchive reports whether data starts with the ar magic.
func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

// Parse reads every member header of the archive in data. Symbol index
// members are skipped and no member contents are copied.
func Parse(data []byte) (*File, error) {
	if !IsArchive(data) {
		return nil, ErrNotArchive
	}
	f := &File{}
	var names []byte
	pos := len(magic)
	for len(data)-pos > 1 {
		// members are aligned to 2 bytes
		if pos%2 == 1 {
			pos++
		}
		if pos+headerSize > len(data) {
			return nil, &FormatError{Off: pos, Msg: "truncated member header"}
		}
		hdr := data[pos : pos+headerSize]
		if string(hdr[58:60]) != headerEnd {
			return nil, &FormatError{Off: pos, Msg: "bad member header terminator"}
		}
		size, err := strconv.ParseUint(strings.TrimSpace(string(hdr[48:58])), 10, 63)
		if err != nil {
			return nil, &FormatError{Off: pos + 48, Msg: "bad member size"}
		}
		start := pos + headerSize
		if size > uint64(len(data)-start) {
			return nil, &FormatError{Off: pos, Msg: "member exceeds archive"}
		}
		end := start + int(size)
		contents := data[start:end]
		hdrOff := pos
		pos = end

		name := strings.TrimRight(string(hdr[0:16]), " ")
		switch {
		case name == gnuSymbolIndex || name == gnuSymbolIndex64:
			continue
		case name == gnuNameTable:
			names = contents
			continue
		case strings.HasPrefix(name, bsdLongNamePrefix):
			n, err := strconv.Atoi(name[len(bsdLongNamePrefix):])
			if err != nil || n < 0 || n > len(contents) {
				return nil, &FormatError{Off: hdrOff, Msg: "bad long name length"}
			}
			name = strings.TrimRight(string(contents[:n]), "\x00")
			contents = contents[n:]
		case len(name) > 1 && name[0] == '/':
			off, err := strconv.Atoi(name[1:])
			if err != nil || off < 0 || off >= len(names) {
				return nil, &FormatError{Off: hdrOff, Msg: "bad long name reference"}
			}
			name = gnuName(names[off:])
		default:
			name = strings.TrimSuffix(name, "/")
		}
		if strings.HasPrefix(name, bsdSymbolIndex) {
			continue
		}
		f.members = append(f.members, Member{Name: name, Data: contents})
	}
	return f, nil
}

// gnuName reads a name table entry, which ends with "/\n".
func gnuName(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSuffix(string(b), "/")
}

// Members returns the members in archive order.
func (f *File) Members() []Member {
	return f.members
}

// Member returns the contents of the first member called name.
func (f *File) Member(name string) ([]byte, bool) {
	for _, m := range f.members {
		if m.Name == name {
			return m.Data, true
		}
	}
	return nil, false
}
