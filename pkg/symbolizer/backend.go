package symbolizer

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/machosym/pkg/dsym"
	"github.com/grafana/machosym/pkg/dwarfctx"
	"github.com/grafana/machosym/pkg/macho"
)

const BackendMachO = "macho"

// Image is an opened binary with its debug info.
type Image interface {
	Resolve(addr uint64) []dwarfctx.Frame
	Close() error
}

// Backend opens binaries of one object file format.
type Backend interface {
	Open(path string) (Image, error)
}

type BackendFactory func(logger log.Logger, cfg Config, reg prometheus.Registerer) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		BackendMachO: newMachOBackend,
	}
)

// RegisterBackend makes a backend available under name, replacing any
// previous registration.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = f
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

// textBaser is implemented by images that know the preferred load address
// of their text segment.
type textBaser interface {
	TextBase() uint64
}

type machOBackend struct {
	loader *dsym.Loader
}

func newMachOBackend(logger log.Logger, cfg Config, reg prometheus.Registerer) (Backend, error) {
	return &machOBackend{
		loader: dsym.NewLoader(logger, dsym.Options{
			CPU:        macho.CPUForArch(cfg.CPU),
			SearchDirs: cfg.DSYMSearchDirs,
			Metrics:    dsym.NewMetrics(reg),
		}),
	}, nil
}

func (b *machOBackend) Open(path string) (Image, error) {
	m, err := b.loader.Open(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}
