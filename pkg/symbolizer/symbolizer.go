// Package symbolizer resolves addresses of binaries on the local file system
// and symbolizes pprof profiles collected from them.
package symbolizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/machosym/pkg/dwarfctx"
)

// failuresPerImage sizes the cache of binaries that could not be opened
// relative to the image cache.
const failuresPerImage = 16

type Symbolizer struct {
	logger  log.Logger
	cfg     Config
	backend Backend
	metrics *metrics

	mu     sync.Mutex
	images *lru.Cache[string, *entry]
	failed *lru.Cache[string, error]
}

// entry is a cached image. The cache holds one reference, every caller
// using the image holds another; the last release closes it.
type entry struct {
	path string
	img  Image
	refs atomic.Int32
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	factory, _ := lookupBackend(cfg.Backend)
	backend, err := factory(logger, cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", cfg.Backend, err)
	}

	s := &Symbolizer{
		logger:  logger,
		cfg:     cfg,
		backend: backend,
		metrics: newMetrics(reg),
	}
	s.images, err = lru.NewWithEvict(cfg.CacheSize, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.failed, err = lru.New[string, error](cfg.CacheSize * failuresPerImage)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Symbolizer) onEvict(_ string, e *entry) {
	s.metrics.cacheOperations.WithLabelValues("evict").Inc()
	s.release(e)
}

// acquire returns the image for path with a reference taken, or nil if the
// image could not be opened now or earlier.
func (s *Symbolizer) acquire(path string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.images.Get(path); ok {
		s.metrics.cacheOperations.WithLabelValues("hit").Inc()
		e.refs.Inc()
		return e
	}
	if _, ok := s.failed.Get(path); ok {
		s.metrics.cacheOperations.WithLabelValues("hit").Inc()
		return nil
	}
	s.metrics.cacheOperations.WithLabelValues("miss").Inc()

	img, err := s.backend.Open(path)
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to open binary", "path", path, "err", err)
		s.failed.Add(path, err)
		return nil
	}
	e := &entry{path: path, img: img}
	e.refs.Store(2)
	s.images.Add(path, e)
	return e
}

func (s *Symbolizer) release(e *entry) {
	if e.refs.Dec() != 0 {
		return
	}
	if err := e.img.Close(); err != nil {
		level.Warn(s.logger).Log("msg", "failed to close binary", "path", e.path, "err", err)
	}
}

// Resolve returns the frames for addr in the binary at path, innermost
// first. Failures of any kind yield no frames.
func (s *Symbolizer) Resolve(path string, addr uint64) []dwarfctx.Frame {
	e := s.acquire(path)
	if e == nil {
		s.metrics.resolvedFrames.WithLabelValues(sourceNone).Inc()
		return nil
	}
	defer s.release(e)
	return s.resolve(e.img, addr)
}

func (s *Symbolizer) resolve(img Image, addr uint64) []dwarfctx.Frame {
	frames := img.Resolve(addr)
	s.metrics.resolvedFrames.WithLabelValues(frameSource(frames)).Inc()
	if s.cfg.Demangle {
		for i := range frames {
			frames[i].Function = demangleName(frames[i].Function, frames[i].Symtab)
		}
	}
	return frames
}

func frameSource(frames []dwarfctx.Frame) string {
	switch {
	case len(frames) == 0:
		return sourceNone
	case frames[0].Symtab:
		return sourceSymtab
	case frames[0].Object != "":
		return sourceObjectMap
	}
	return sourceDWARF
}

// demangleName demangles C++ and Rust names. Symbol table names carry the
// extra leading underscore of the Mach-O C symbol convention.
func demangleName(name string, symtab bool) string {
	if symtab {
		name = strings.TrimPrefix(name, "_")
	}
	return demangle.Filter(name)
}

// Close closes every cached image. Images still in use are closed when
// their last caller is done.
func (s *Symbolizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images.Purge()
	s.failed.Purge()
}
