// Package dsym opens Mach-O images together with their debug information,
// which may live in a dSYM bundle next to the image or in the object files
// named by the image's debug map.
package dsym

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/machosym/pkg/archive"
	"github.com/grafana/machosym/pkg/dwarfctx"
	"github.com/grafana/machosym/pkg/macho"
	"github.com/grafana/machosym/pkg/mmap"
)

const (
	bundleSuffix   = ".dSYM"
	bundleDWARFDir = "Contents/Resources/DWARF"
)

// Image is the mapped contents of a file.
type Image interface {
	Bytes() []byte
	Close() error
}

// FileMapper maps files into memory.
type FileMapper interface {
	Map(path string) (Image, error)
}

// FileMapperFunc adapts a function to FileMapper.
type FileMapperFunc func(path string) (Image, error)

func (f FileMapperFunc) Map(path string) (Image, error) {
	return f(path)
}

// MapFile maps path with package mmap.
func MapFile(path string) (Image, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Context answers address queries from an object's debug info.
type Context interface {
	FindFrames(addr uint64) ([]dwarfctx.Frame, error)
}

// ContextBuilder builds the debug context of a parsed object.
type ContextBuilder func(obj *macho.Object) (Context, error)

// BuildContext builds a dwarfctx.Context for obj.
func BuildContext(obj *macho.Object) (Context, error) {
	c, err := dwarfctx.Build(obj)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Loader. Zero fields take their defaults.
type Options struct {
	// CPU selects the slice of fat files. Zero means the host cpu.
	CPU macho.Cpu
	// SearchDirs are scanned for dSYM bundles after the image's directory.
	SearchDirs []string

	Mapper       FileMapper
	BuildContext ContextBuilder
	Metrics      *Metrics // may be nil for tests
}

// Loader opens images with their debug info. It is safe for concurrent use.
type Loader struct {
	logger  log.Logger
	cpu     macho.Cpu
	dirs    []string
	mapper  FileMapper
	build   ContextBuilder
	metrics *Metrics
}

func NewLoader(logger log.Logger, opts Options) *Loader {
	l := &Loader{
		logger:  logger,
		cpu:     opts.CPU,
		dirs:    opts.SearchDirs,
		mapper:  opts.Mapper,
		build:   opts.BuildContext,
		metrics: opts.Metrics,
	}
	if l.logger == nil {
		l.logger = log.NewNopLogger()
	}
	if l.cpu == 0 {
		l.cpu = macho.HostCPU()
	}
	if l.mapper == nil {
		l.mapper = FileMapperFunc(MapFile)
	}
	if l.build == nil {
		l.build = BuildContext
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	return l
}

// Open loads the image at path. Debug info is taken from the first file in
// a sibling dSYM bundle whose UUID matches the image; otherwise the image's
// own sections and symbol table are used. Images without a UUID are
// rejected.
func (l *Loader) Open(path string) (*Mapping, error) {
	img, obj, err := l.load(path)
	if err != nil {
		return nil, err
	}
	uuid, ok := obj.UUID()
	if !ok {
		_ = img.Close()
		err = errors.Wrap(ErrNoUUID, path)
		l.onLoadError(path, err)
		return nil, err
	}

	if m := l.findBundle(path, uuid); m != nil {
		m.textBase = obj.TextBase()
		_ = img.Close()
		l.metrics.DSYMLookups.WithLabelValues("matched").Inc()
		return m, nil
	}

	ctx, err := l.build(obj)
	if err != nil {
		_ = img.Close()
		err = errors.Wrapf(err, "build context for %s", path)
		l.onLoadError(path, err)
		return nil, err
	}
	l.metrics.DSYMLookups.WithLabelValues("fallback").Inc()
	return newMapping(l, path, path, img, obj, ctx), nil
}

func (l *Loader) findBundle(path string, uuid [16]byte) *Mapping {
	dirs := append([]string{filepath.Dir(path)}, l.dirs...)
	for _, dir := range dirs {
		entries, err := readDir(dir)
		if err != nil {
			level.Debug(l.logger).Log("msg", "failed to list dsym search directory", "path", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), bundleSuffix) {
				continue
			}
			if m := l.loadBundle(path, filepath.Join(dir, e.Name(), bundleDWARFDir), uuid); m != nil {
				return m
			}
		}
	}
	return nil
}

func (l *Loader) loadBundle(path, dir string, uuid [16]byte) *Mapping {
	entries, err := readDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		candidate := filepath.Join(dir, e.Name())
		img, obj, err := l.load(candidate)
		if err != nil {
			continue
		}
		if id, ok := obj.UUID(); !ok || !bytes.Equal(id[:], uuid[:]) {
			_ = img.Close()
			continue
		}
		ctx, err := l.build(obj)
		if err != nil {
			_ = img.Close()
			l.onLoadError(candidate, err)
			continue
		}
		level.Debug(l.logger).Log("msg", "found matching dsym", "path", path, "dsym", candidate)
		return newMapping(l, path, candidate, img, obj, ctx)
	}
	return nil
}

// readDir lists dir in file system order.
func readDir(dir string) ([]os.DirEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}

// load maps path and parses the slice for the configured cpu.
func (l *Loader) load(path string) (Image, *macho.Object, error) {
	img, err := l.mapper.Map(path)
	if err != nil {
		err = errors.Wrapf(err, "map %s", path)
		l.onLoadError(path, err)
		return nil, nil, err
	}
	l.metrics.FilesMapped.Inc()
	obj, err := l.parse(img.Bytes())
	if err != nil {
		_ = img.Close()
		err = errors.Wrapf(err, "parse %s", path)
		l.onLoadError(path, err)
		return nil, nil, err
	}
	return img, obj, nil
}

func (l *Loader) parse(data []byte) (*macho.Object, error) {
	h, data, err := macho.FindHeader(data, l.cpu)
	if err != nil {
		return nil, err
	}
	return macho.Parse(h, data)
}

// objectMapping opens an object named by a debug map entry, either a plain
// path or "archive(member)".
func (l *Loader) objectMapping(path string) (*Mapping, error) {
	m, err := l.openObject(path)
	if err != nil {
		l.metrics.ObjectMapResolutions.WithLabelValues("failed").Inc()
		return nil, err
	}
	l.metrics.ObjectMapResolutions.WithLabelValues("resolved").Inc()
	return m, nil
}

func (l *Loader) openObject(path string) (*Mapping, error) {
	archivePath, member, ok := macho.SplitArchivePath(path)
	if !ok {
		img, obj, err := l.load(path)
		if err != nil {
			return nil, err
		}
		return l.newObjectMapping(path, img, obj)
	}

	img, err := l.mapper.Map(archivePath)
	if err != nil {
		err = errors.Wrapf(err, "map %s", archivePath)
		l.onLoadError(archivePath, err)
		return nil, err
	}
	l.metrics.FilesMapped.Inc()
	obj, err := l.parseMember(img.Bytes(), member)
	if err != nil {
		_ = img.Close()
		err = errors.Wrapf(err, "load %s", path)
		l.onLoadError(path, err)
		return nil, err
	}
	return l.newObjectMapping(path, img, obj)
}

func (l *Loader) parseMember(data []byte, member string) (*macho.Object, error) {
	ar, err := archive.Parse(data)
	if err != nil {
		return nil, err
	}
	contents, ok := ar.Member(member)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "archive member %s", member)
	}
	return l.parse(contents)
}

func (l *Loader) newObjectMapping(path string, img Image, obj *macho.Object) (*Mapping, error) {
	ctx, err := l.build(obj)
	if err != nil {
		_ = img.Close()
		err = errors.Wrapf(err, "build context for %s", path)
		l.onLoadError(path, err)
		return nil, err
	}
	return newMapping(l, path, path, img, obj, ctx), nil
}

func (l *Loader) onLoadError(path string, err error) {
	kind := ErrorKind(err)
	l.metrics.LoadErrors.WithLabelValues(kind).Inc()
	level.Debug(l.logger).Log("msg", "failed to load", "path", path, "err", err, "kind", kind)
}
