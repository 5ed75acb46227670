package dsym_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/machosym/pkg/dsym"
	"github.com/grafana/machosym/pkg/dwarfctx"
	"github.com/grafana/machosym/pkg/macho/machotest"
)

// debugMapFixture lays out an executable whose debug map points at a loose
// object, an archive member and a missing object.
type debugMapFixture struct {
	target  string
	object  string
	archive string
	missing string
}

func newDebugMapFixture(t *testing.T) debugMapFixture {
	dir := t.TempDir()
	f := debugMapFixture{
		object:  writeFile(t, filepath.Join(dir, "obj", "main.o"), relocatable("main", 0x40)),
		archive: writeFile(t, filepath.Join(dir, "lib", "libutil.a"), machotest.Archive(false,
			machotest.Member{Name: "other.o", Data: []byte("unused")},
			machotest.Member{Name: "util.o", Data: relocatable("util", 0x20)},
		)),
		missing: filepath.Join(dir, "obj", "gone.o"),
	}

	var syms []machotest.Sym
	syms = append(syms, machotest.DebugMapUnit(f.object,
		machotest.FuncRange{Name: "_main", Addr: 0x100001000, Size: 0x40},
	)...)
	syms = append(syms, machotest.DebugMapUnit(f.archive+"(util.o)",
		machotest.FuncRange{Name: "_util", Addr: 0x100002000, Size: 0x20},
	)...)
	syms = append(syms, machotest.DebugMapUnit(f.missing,
		machotest.FuncRange{Name: "_gone", Addr: 0x100003000, Size: 0x10},
	)...)
	syms = append(syms, machotest.Func("_util", 0x100002000), machotest.Func("_gone", 0x100003000))
	f.target = writeFile(t, filepath.Join(dir, "bin", "app"), executable(1, syms...).Bytes())
	return f
}

func TestResolveThroughDebugMap(t *testing.T) {
	f := newDebugMapFixture(t)
	mapper := newCountingMapper()
	metrics := dsym.NewMetrics(prometheus.NewRegistry())
	m, err := newLoader(t, dsym.Options{Mapper: mapper, Metrics: metrics}).Open(f.target)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, []dwarfctx.Frame{{Function: "main", Object: f.object}}, m.Resolve(0x100001010))
	require.Equal(t, []dwarfctx.Frame{{Function: "main", Object: f.object}}, m.Resolve(0x100001030))
	require.Equal(t, []dwarfctx.Frame{{Function: "util", Object: f.archive + "(util.o)"}}, m.Resolve(0x100002004))
	require.Equal(t, []dwarfctx.Frame{{Function: "_gone", Symtab: true}}, m.Resolve(0x100003000))
	require.Equal(t, []dwarfctx.Frame{{Function: "_gone", Symtab: true}}, m.Resolve(0x100003008))

	require.Equal(t, 1, mapper.count(f.object))
	require.Equal(t, 1, mapper.count(f.archive))
	require.Equal(t, 1, mapper.count(f.missing))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ObjectMapResolutions.WithLabelValues("failed")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ObjectMapResolutions.WithLabelValues("resolved")))
}

func TestSearchObjectMap(t *testing.T) {
	f := newDebugMapFixture(t)
	mapper := newCountingMapper()
	m, err := newLoader(t, dsym.Options{Mapper: mapper}).Open(f.target)
	require.NoError(t, err)
	defer m.Close()

	ctx, addr, ok := m.SearchObjectMap(0x100001024)
	require.True(t, ok)
	require.Equal(t, uint64(0x24), addr)
	frames, err := ctx.FindFrames(addr)
	require.NoError(t, err)
	require.Equal(t, []dwarfctx.Frame{{Function: "main"}}, frames)

	_, addr, ok = m.SearchObjectMap(0x100002010)
	require.True(t, ok)
	require.Equal(t, uint64(0x10), addr)

	for _, addr := range []uint64{0x100000fff, 0x100001040, 0x100003004} {
		_, _, ok = m.SearchObjectMap(addr)
		require.False(t, ok, "%#x", addr)
	}
	require.Equal(t, 1, mapper.count(f.missing))
}

func TestSearchObjectMapConcurrent(t *testing.T) {
	f := newDebugMapFixture(t)
	mapper := newCountingMapper()
	m, err := newLoader(t, dsym.Options{Mapper: mapper}).Open(f.target)
	require.NoError(t, err)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = m.SearchObjectMap(0x100001000 + uint64(i))
			_, _, _ = m.SearchObjectMap(0x100002000 + uint64(i))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, mapper.count(f.object))
	require.Equal(t, 1, mapper.count(f.archive))
	// target, object and archive
	require.Equal(t, int32(3), mapper.total.Load())
}

func TestClose(t *testing.T) {
	f := newDebugMapFixture(t)
	loader := newLoader(t, dsym.Options{})
	m, err := loader.Open(f.target)
	require.NoError(t, err)
	require.NotEmpty(t, m.Resolve(0x100001010))

	other, err := loader.Open(f.target)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Nil(t, m.Resolve(0x100001010))
	require.Nil(t, m.Object())
	require.Nil(t, m.Context())
	require.Nil(t, m.Section(".debug_info"))
	_, ok := m.SearchSymtab(0x100001010)
	require.False(t, ok)
	_, _, ok = m.SearchObjectMap(0x100001010)
	require.False(t, ok)

	require.Equal(t, []dwarfctx.Frame{{Function: "main", Object: f.object}}, other.Resolve(0x100001010))
	sym, ok := other.SearchSymtab(0x100001010)
	require.True(t, ok)
	require.Equal(t, "_main", sym.Name)
}

func TestContextAfterClose(t *testing.T) {
	f := newDebugMapFixture(t)
	m, err := newLoader(t, dsym.Options{}).Open(f.target)
	require.NoError(t, err)

	ctx, addr, ok := m.SearchObjectMap(0x100001024)
	require.True(t, ok)
	require.NoError(t, m.Close())

	// the object mapping behind ctx was unmapped with m
	frames, err := ctx.FindFrames(addr)
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestBundleContextAfterClose(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, filepath.Join(dir, "app"), executable(1).Bytes())
	writeFile(t, filepath.Join(dir, "app.dSYM", "Contents", "Resources", "DWARF", "app"), bundle(1).Bytes())
	m, err := newLoader(t, dsym.Options{}).Open(target)
	require.NoError(t, err)

	ctx := m.Context()
	require.NotNil(t, ctx)
	frames, err := ctx.FindFrames(0x100001010)
	require.NoError(t, err)
	require.Equal(t, []dwarfctx.Frame{{Function: "main"}}, frames)

	info := m.Section(".debug_info")
	want := machotest.DWARF("main.c", machotest.FuncRange{Name: "main", Addr: 0x100001000, Size: 0x40})[1].Data
	require.Equal(t, want, info)
	require.NoError(t, m.Close())

	frames, err = ctx.FindFrames(0x100001010)
	require.NoError(t, err)
	require.Empty(t, frames)
	// section contents are copied out of the mapped image
	require.Equal(t, want, info)
}
