package symbolizer

import (
	"errors"
	"flag"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/machosym/pkg/dwarfctx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockBackend struct {
	mock.Mock
}

func (b *mockBackend) Open(path string) (Image, error) {
	args := b.Called(path)
	img, _ := args.Get(0).(Image)
	return img, args.Error(1)
}

type mockImage struct {
	mock.Mock
	base uint64
}

func (i *mockImage) Resolve(addr uint64) []dwarfctx.Frame {
	frames, _ := i.Called(addr).Get(0).([]dwarfctx.Frame)
	return append([]dwarfctx.Frame(nil), frames...)
}

func (i *mockImage) Close() error {
	return i.Called().Error(0)
}

func (i *mockImage) TextBase() uint64 {
	return i.base
}

func defaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	return cfg
}

func newTestSymbolizer(t *testing.T, cfg Config, b Backend) *Symbolizer {
	t.Helper()
	name := "mock/" + t.Name()
	RegisterBackend(name, func(log.Logger, Config, prometheus.Registerer) (Backend, error) {
		return b, nil
	})
	cfg.Backend = name
	s, err := New(log.NewNopLogger(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

func TestConfig(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-symbolizer.dsym-search-dirs=/a,/b", "-symbolizer.cpu=arm64"}))
	require.Equal(t, Config{
		Backend:        BackendMachO,
		CacheSize:      16,
		Demangle:       true,
		CPU:            "arm64",
		DSYMSearchDirs: []string{"/a", "/b"},
		MaxConcurrency: 4,
	}, cfg)
	require.NoError(t, cfg.Validate())

	testcases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "pe" }},
		{"zero cache size", func(c *Config) { c.CacheSize = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"unknown cpu", func(c *Config) { c.CPU = "riscv64" }},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c := defaultConfig()
			tc.mutate(&c)
			require.Error(t, c.Validate())
			_, err := New(nil, c, nil)
			require.Error(t, err)
		})
	}
}

func TestResolveCachesImages(t *testing.T) {
	img := &mockImage{}
	img.On("Resolve", uint64(0x10)).Return([]dwarfctx.Frame{{Function: "main", File: "main.c", Line: 3}})
	img.On("Resolve", uint64(0x20)).Return(nil)
	b := &mockBackend{}
	b.On("Open", "/bin/app").Return(img, nil).Once()

	s := newTestSymbolizer(t, defaultConfig(), b)
	require.Equal(t, []dwarfctx.Frame{{Function: "main", File: "main.c", Line: 3}}, s.Resolve("/bin/app", 0x10))
	require.Nil(t, s.Resolve("/bin/app", 0x20))

	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.resolvedFrames.WithLabelValues(sourceDWARF)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.resolvedFrames.WithLabelValues(sourceNone)))
	b.AssertExpectations(t)

	img.On("Close").Return(nil).Once()
	s.Close()
	img.AssertExpectations(t)
}

func TestResolveCachesFailures(t *testing.T) {
	b := &mockBackend{}
	b.On("Open", "/bin/missing").Return(nil, errors.New("no such file")).Once()

	s := newTestSymbolizer(t, defaultConfig(), b)
	require.Nil(t, s.Resolve("/bin/missing", 0x10))
	require.Nil(t, s.Resolve("/bin/missing", 0x10))
	b.AssertExpectations(t)
	require.Equal(t, 2.0, testutil.ToFloat64(s.metrics.resolvedFrames.WithLabelValues(sourceNone)))
}

func TestFailuresAreBounded(t *testing.T) {
	b := &mockBackend{}
	b.On("Open", mock.Anything).Return(nil, errors.New("no such file"))

	cfg := defaultConfig()
	cfg.CacheSize = 1
	s := newTestSymbolizer(t, cfg, b)
	for i := 0; i <= failuresPerImage; i++ {
		require.Nil(t, s.Resolve(fmt.Sprintf("/bin/missing-%d", i), 0x10))
	}
	require.Equal(t, failuresPerImage, s.failed.Len())
	b.AssertNumberOfCalls(t, "Open", failuresPerImage+1)

	// the oldest failure was evicted and is retried
	require.Nil(t, s.Resolve("/bin/missing-0", 0x10))
	b.AssertNumberOfCalls(t, "Open", failuresPerImage+2)
	require.Nil(t, s.Resolve("/bin/missing-2", 0x10))
	b.AssertNumberOfCalls(t, "Open", failuresPerImage+2)
}

func TestEvictionWaitsForUsers(t *testing.T) {
	a, c := &mockImage{}, &mockImage{}
	a.On("Resolve", mock.Anything).Return([]dwarfctx.Frame{{Function: "a"}})
	c.On("Resolve", mock.Anything).Return([]dwarfctx.Frame{{Function: "c"}})
	b := &mockBackend{}
	b.On("Open", "/bin/a").Return(a, nil)
	b.On("Open", "/bin/c").Return(c, nil)

	cfg := defaultConfig()
	cfg.CacheSize = 1
	s := newTestSymbolizer(t, cfg, b)

	inUse := s.acquire("/bin/a")
	require.NotNil(t, inUse)
	// evicts a while it is still in use
	require.Equal(t, "c", s.Resolve("/bin/c", 0)[0].Function)
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("evict")))
	require.Equal(t, "a", inUse.img.Resolve(0)[0].Function)
	a.AssertNotCalled(t, "Close")

	a.On("Close").Return(nil).Once()
	s.release(inUse)
	a.AssertExpectations(t)

	// a is reopened after eviction and evicts c, which nobody uses
	c.On("Close").Return(nil).Once()
	require.Equal(t, "a", s.Resolve("/bin/a", 0)[0].Function)
	b.AssertNumberOfCalls(t, "Open", 3)
	c.AssertExpectations(t)

	a.On("Close").Return(nil).Once()
	s.Close()
	a.AssertExpectations(t)
}

func TestDemangle(t *testing.T) {
	testcases := []struct {
		name     string
		demangle bool
		frame    dwarfctx.Frame
		want     string
	}{
		{"symtab c++", true, dwarfctx.Frame{Function: "__ZN3foo3barEv", Symtab: true}, "foo::bar()"},
		{"symtab c", true, dwarfctx.Frame{Function: "_main", Symtab: true}, "main"},
		{"dwarf linkage name", true, dwarfctx.Frame{Function: "_ZN3foo3barEv"}, "foo::bar()"},
		{"dwarf plain name", true, dwarfctx.Frame{Function: "_start"}, "_start"},
		{"disabled", false, dwarfctx.Frame{Function: "__ZN3foo3barEv", Symtab: true}, "__ZN3foo3barEv"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			img := &mockImage{}
			img.On("Resolve", uint64(1)).Return([]dwarfctx.Frame{tc.frame})
			b := &mockBackend{}
			b.On("Open", "/bin/app").Return(img, nil)

			cfg := defaultConfig()
			cfg.Demangle = tc.demangle
			s := newTestSymbolizer(t, cfg, b)
			frames := s.Resolve("/bin/app", 1)
			require.Len(t, frames, 1)
			require.Equal(t, tc.want, frames[0].Function)

			img.On("Close").Return(nil)
			s.Close()
		})
	}
}

func TestFrameSource(t *testing.T) {
	require.Equal(t, sourceNone, frameSource(nil))
	require.Equal(t, sourceSymtab, frameSource([]dwarfctx.Frame{{Function: "_main", Symtab: true}}))
	require.Equal(t, sourceObjectMap, frameSource([]dwarfctx.Frame{{Function: "main", Object: "/obj/main.o"}}))
	require.Equal(t, sourceDWARF, frameSource([]dwarfctx.Frame{{Function: "main"}}))
}
