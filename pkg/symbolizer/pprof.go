package symbolizer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/pprof/profile"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/machosym/pkg/dwarfctx"
)

// SymbolizePprof fills in the lines of every location that has none and
// belongs to a mapping without functions. Addresses that cannot be resolved
// get a "binary!0xaddr" placeholder function.
func (s *Symbolizer) SymbolizePprof(ctx context.Context, p *profile.Profile) error {
	pending := lo.Filter(p.Location, func(loc *profile.Location, _ int) bool {
		m := loc.Mapping
		return m != nil && !m.HasFunctions && m.File != "" && len(loc.Line) == 0
	})
	if len(pending) == 0 {
		return nil
	}
	byMapping := lo.GroupBy(pending, func(loc *profile.Location) *profile.Mapping {
		return loc.Mapping
	})

	// frames[i] belongs to pending[i]; each job writes disjoint indices
	index := make(map[*profile.Location]int, len(pending))
	for i, loc := range pending {
		index[loc] = i
	}
	frames := make([][]dwarfctx.Frame, len(pending))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for m, locs := range byMapping {
		g.Go(func() error {
			return s.symbolizeMapping(ctx, m, locs, func(loc *profile.Location, f []dwarfctx.Frame) {
				frames[index[loc]] = f
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.updateProfile(p, pending, frames)
	return nil
}

func (s *Symbolizer) symbolizeMapping(ctx context.Context, m *profile.Mapping, locs []*profile.Location, set func(*profile.Location, []dwarfctx.Frame)) error {
	e := s.acquire(m.File)
	if e != nil {
		defer s.release(e)
	}
	var base uint64
	if e != nil {
		if b, ok := e.img.(textBaser); ok {
			base = b.TextBase()
		}
	}
	binaryName := filepath.Base(m.File)
	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var frames []dwarfctx.Frame
		if e != nil {
			frames = s.resolve(e.img, loc.Address-m.Start+m.Offset+base)
		} else {
			s.metrics.resolvedFrames.WithLabelValues(sourceNone).Inc()
		}
		if len(frames) == 0 {
			frames = []dwarfctx.Frame{{Function: fmt.Sprintf("%s!0x%x", binaryName, loc.Address)}}
		}
		set(loc, frames)
	}
	return nil
}

type funcKey struct {
	name     string
	filename string
}

func (s *Symbolizer) updateProfile(p *profile.Profile, locs []*profile.Location, frames [][]dwarfctx.Frame) {
	functions := make(map[funcKey]*profile.Function, len(p.Function))
	for _, fn := range p.Function {
		functions[funcKey{fn.Name, fn.Filename}] = fn
	}
	nextID := lo.Max(lo.Map(p.Function, func(fn *profile.Function, _ int) uint64 {
		return fn.ID
	})) + 1

	for i, loc := range locs {
		m := loc.Mapping
		loc.Line = make([]profile.Line, 0, len(frames[i]))
		for _, f := range frames[i] {
			m.HasFilenames = m.HasFilenames || f.File != ""
			m.HasLineNumbers = m.HasLineNumbers || f.Line > 0
			key := funcKey{f.Function, f.File}
			fn, ok := functions[key]
			if !ok {
				fn = &profile.Function{
					ID:         nextID,
					Name:       f.Function,
					SystemName: f.Function,
					Filename:   f.File,
				}
				nextID++
				functions[key] = fn
				p.Function = append(p.Function, fn)
			}
			loc.Line = append(loc.Line, profile.Line{Function: fn, Line: int64(f.Line)})
		}
		m.HasFunctions = true
		if len(loc.Line) > 1 {
			m.HasInlineFrames = true
		}
	}
}
