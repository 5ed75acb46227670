package dsym

import (
	"sync"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"

	"github.com/grafana/machosym/pkg/dwarfctx"
	"github.com/grafana/machosym/pkg/macho"
)

// Mapping owns a mapped image, the object parsed from it, its debug context
// and every object mapping opened through its debug map. Nothing returned
// by a Mapping may be used after Close.
type Mapping struct {
	loader    *Loader
	path      string
	debugPath string
	textBase  uint64

	mu     sync.RWMutex
	closed bool
	img    Image
	obj    *macho.Object
	ctx    Context
	slots  []slot
}

func newMapping(l *Loader, path, debugPath string, img Image, obj *macho.Object, ctx Context) *Mapping {
	m := &Mapping{
		loader:    l,
		path:      path,
		debugPath: debugPath,
		img:       img,
		obj:       obj,
		ctx:       ctx,
		textBase:  obj.TextBase(),
	}
	if om := obj.ObjectMap(); om != nil {
		m.slots = make([]slot, len(om.Objects()))
	}
	return m
}

// Path returns the path the mapping was opened with.
func (m *Mapping) Path() string {
	return m.path
}

// DebugPath returns the file that provided the debug info: a dSYM bundle
// member or the image itself.
func (m *Mapping) DebugPath() string {
	return m.debugPath
}

// TextBase returns the preferred load address of the image's __TEXT
// segment.
func (m *Mapping) TextBase() uint64 {
	return m.textBase
}

// Object returns the parsed object, or nil after Close. Section contents of
// the object alias the mapped image and are invalid once m is closed.
func (m *Mapping) Object() *macho.Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	return m.obj
}

// Context returns the debug context of the image, or nil when it has none
// or m is closed. Queries made through it after Close find no frames.
func (m *Mapping) Context() Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.guardedContext()
}

// guardedContext must be called with m.mu held.
func (m *Mapping) guardedContext() Context {
	if m.closed || m.ctx == nil {
		return nil
	}
	return mappingContext{owner: m}
}

// mappingContext queries the context of owner under its lock, so the mapped
// debug sections stay valid for the duration of the call.
type mappingContext struct {
	owner *Mapping
}

func (c mappingContext) FindFrames(addr uint64) ([]dwarfctx.Frame, error) {
	c.owner.mu.RLock()
	defer c.owner.mu.RUnlock()
	if c.owner.closed || c.owner.ctx == nil {
		return nil, nil
	}
	return c.owner.ctx.FindFrames(addr)
}

// Section returns a copy of the contents of the debug section called name.
func (m *Mapping) Section(name string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	data := m.obj.Section(name)
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}

// SearchSymtab returns the symbol table entry covering addr.
func (m *Mapping) SearchSymtab(addr uint64) (macho.Symbol, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return macho.Symbol{}, false
	}
	return m.obj.SearchSymtab(addr)
}

// SearchObjectMap translates addr into the address space of the object that
// contributed it and returns that object's context. The context finds no
// frames once m is closed.
func (m *Mapping) SearchObjectMap(addr uint64) (Context, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, false
	}
	sub, _, translated, ok := m.searchObjectMap(addr)
	if !ok {
		return nil, 0, false
	}
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	return sub.guardedContext(), translated, true
}

func (m *Mapping) searchObjectMap(addr uint64) (*Mapping, string, uint64, bool) {
	om := m.obj.ObjectMap()
	if om == nil {
		return nil, "", 0, false
	}
	e, ok := om.Get(addr)
	if !ok || e.Object >= len(m.slots) {
		return nil, "", 0, false
	}
	path, ok := om.Object(e.Object)
	if !ok {
		return nil, "", 0, false
	}
	sub := m.slots[e.Object].get(func() (*Mapping, error) {
		return m.loader.objectMapping(path)
	})
	if sub == nil {
		return nil, "", 0, false
	}
	local, ok := sub.obj.LookupSymbol(e.Name)
	if !ok {
		return nil, "", 0, false
	}
	return sub, path, addr - e.Address + local.Address, true
}

// Resolve returns the frames for addr, innermost first. Debug info of the
// mapping is tried first, then the debug map, then the symbol table.
func (m *Mapping) Resolve(addr uint64) []dwarfctx.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	if frames := m.findFrames(m.ctx, addr); len(frames) > 0 {
		return frames
	}
	if sub, path, translated, ok := m.searchObjectMap(addr); ok {
		if frames := sub.findFrames(sub.ctx, translated); len(frames) > 0 {
			for i := range frames {
				frames[i].Object = path
			}
			return frames
		}
	}
	if sym, ok := m.obj.SearchSymtab(addr); ok {
		return []dwarfctx.Frame{{Function: sym.Name, Symtab: true}}
	}
	return nil
}

func (m *Mapping) findFrames(ctx Context, addr uint64) []dwarfctx.Frame {
	if ctx == nil {
		return nil
	}
	frames, err := ctx.FindFrames(addr)
	if err != nil {
		level.Debug(m.loader.logger).Log("msg", "failed to find frames", "path", m.debugPath, "addr", addr, "err", err)
		return nil
	}
	return frames
}

// Close unmaps the image and closes every object mapping. It is safe to
// call more than once.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	errs := multierror.New()
	for i := range m.slots {
		if sub := m.slots[i].take(); sub != nil {
			errs.Add(sub.Close())
		}
	}
	errs.Add(m.img.Close())
	m.obj, m.ctx, m.img = nil, nil, nil
	return errs.Err()
}
