// Package dwarfctx answers address queries from the DWARF sections of a
// Mach-O object.
package dwarfctx

import (
	"debug/dwarf"
	"io"
	"sort"
	"sync"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-delve/delve/pkg/dwarf/reader"
	"github.com/pkg/errors"
)

// Frame is one level of a resolved call stack.
type Frame struct {
	Function string
	File     string
	Line     int
	// Object is the path of the compiled object that provided the frame,
	// when it was found through a debug map.
	Object string
	// Symtab is set for frames that only carry a symbol table name.
	Symtab bool
}

// Sections provides debug section contents by their generic name.
type Sections interface {
	Section(name string) []byte
}

// Sections registered after dwarf.New, mostly DWARF 5 additions.
var extraSections = []string{
	".debug_addr",
	".debug_line_str",
	".debug_loclists",
	".debug_rnglists",
	".debug_str_offsets",
	".debug_types",
}

// Context resolves addresses against one object's debug info. The zero
// value and the result of Build on an object without .debug_info answer
// every query with no frames.
type Context struct {
	data *dwarf.Data

	mu    sync.Mutex
	units map[dwarf.Offset]*unit
}

type unit struct {
	rows        []lineRow
	files       []*dwarf.LineFile
	subprograms []*godwarf.Tree
}

// lineRow covers [addr, end) of a line table sequence.
type lineRow struct {
	addr uint64
	end  uint64
	file string
	line int
}

// Build loads the DWARF sections of obj.
func Build(obj Sections) (*Context, error) {
	info := obj.Section(".debug_info")
	if len(info) == 0 {
		return &Context{}, nil
	}
	d, err := dwarf.New(
		obj.Section(".debug_abbrev"),
		obj.Section(".debug_aranges"),
		obj.Section(".debug_frame"),
		info,
		obj.Section(".debug_line"),
		obj.Section(".debug_pubnames"),
		obj.Section(".debug_ranges"),
		obj.Section(".debug_str"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load dwarf")
	}
	for _, name := range extraSections {
		b := obj.Section(name)
		if len(b) == 0 {
			continue
		}
		if err := d.AddSection(name, b); err != nil {
			return nil, errors.Wrapf(err, "load %s", name)
		}
	}
	return &Context{data: d, units: make(map[dwarf.Offset]*unit)}, nil
}

// Empty reports whether the context has no debug info at all.
func (c *Context) Empty() bool {
	return c == nil || c.data == nil
}

// FindFrames returns the frames at addr, innermost first. An address outside
// every compile unit yields no frames and no error.
func (c *Context) FindFrames(addr uint64) ([]Frame, error) {
	if c.Empty() {
		return nil, nil
	}
	cu, err := c.data.Reader().SeekPC(addr)
	if err != nil {
		if errors.Is(err, dwarf.ErrUnknownPC) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "seek pc %#x", addr)
	}
	u, err := c.loadUnit(cu)
	if err != nil {
		return nil, err
	}

	var fn *godwarf.Tree
	for _, sp := range u.subprograms {
		if sp.ContainsPC(addr) {
			fn = sp
			break
		}
	}

	file, line := u.lookupLine(addr)
	if fn == nil {
		if file == "" {
			return nil, nil
		}
		return []Frame{{File: file, Line: line}}, nil
	}

	// Each inlined call site gives the location inside its caller.
	inlined := reader.InlineStack(fn, addr)
	frames := make([]Frame, 0, len(inlined)+1)
	for _, n := range append(inlined, fn) {
		frames = append(frames, Frame{Function: functionName(n), File: file, Line: line})
		file, line = u.callSite(n)
	}
	return frames, nil
}

func (c *Context) loadUnit(cu *dwarf.Entry) (*unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.units[cu.Offset]; ok {
		return u, nil
	}
	u := &unit{}
	if err := u.loadLines(c.data, cu); err != nil {
		return nil, err
	}
	if err := u.loadSubprograms(c.data, cu); err != nil {
		return nil, err
	}
	c.units[cu.Offset] = u
	return u, nil
}

func (u *unit) loadLines(d *dwarf.Data, cu *dwarf.Entry) error {
	lr, err := d.LineReader(cu)
	if err != nil {
		return errors.Wrap(err, "create line reader")
	}
	if lr == nil {
		return nil
	}
	var prev dwarf.LineEntry
	var started bool
	for {
		var e dwarf.LineEntry
		if err := lr.Next(&e); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "read line entry")
		}
		if started && e.Address > prev.Address {
			row := lineRow{addr: prev.Address, end: e.Address, line: prev.Line}
			if prev.File != nil {
				row.file = prev.File.Name
			}
			u.rows = append(u.rows, row)
		}
		prev, started = e, !e.EndSequence
	}
	u.files = lr.Files()
	sort.SliceStable(u.rows, func(i, j int) bool {
		return u.rows[i].addr < u.rows[j].addr
	})
	return nil
}

func (u *unit) loadSubprograms(d *dwarf.Data, cu *dwarf.Entry) error {
	r := d.Reader()
	r.Seek(cu.Offset)
	if _, err := r.Next(); err != nil {
		return errors.Wrap(err, "read compile unit")
	}
	for {
		e, err := r.Next()
		if err != nil {
			return errors.Wrap(err, "read entry")
		}
		if e == nil || e.Tag == dwarf.TagCompileUnit {
			return nil
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		r.SkipChildren()
		// abstract instances have no code of their own
		if _, ok := e.Val(dwarf.AttrInline).(int64); ok {
			continue
		}
		tree, err := godwarf.LoadTree(e.Offset, d, 0)
		if err != nil {
			return errors.Wrap(err, "load subprogram tree")
		}
		if len(tree.Ranges) > 0 {
			u.subprograms = append(u.subprograms, tree)
		}
	}
}

func (u *unit) lookupLine(addr uint64) (string, int) {
	i := sort.Search(len(u.rows), func(i int) bool {
		return u.rows[i].addr > addr
	}) - 1
	if i < 0 || addr >= u.rows[i].end {
		return "", 0
	}
	return u.rows[i].file, u.rows[i].line
}

func (u *unit) callSite(n *godwarf.Tree) (string, int) {
	var file string
	if idx, ok := n.Val(dwarf.AttrCallFile).(int64); ok && idx >= 0 && int(idx) < len(u.files) && u.files[idx] != nil {
		file = u.files[idx].Name
	}
	line, _ := n.Val(dwarf.AttrCallLine).(int64)
	return file, int(line)
}

func functionName(n *godwarf.Tree) string {
	if name, ok := n.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	if name, ok := n.Val(dwarf.AttrName).(string); ok {
		return name
	}
	return ""
}
