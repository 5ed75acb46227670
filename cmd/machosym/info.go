package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/machosym/pkg/dsym"
	"github.com/grafana/machosym/pkg/macho"
	"github.com/grafana/machosym/pkg/symbolizer"
)

type infoParams struct {
	binary  string
	objects bool
}

func addInfoParams(cmd commander) *infoParams {
	params := &infoParams{}
	cmd.Flag("objects", "List every object of the debug map.").Default("false").BoolVar(&params.objects)
	cmd.Arg("binary", "Path of the Mach-O binary.").Required().StringVar(&params.binary)
	return params
}

func info(ctx context.Context, cfg *symbolizer.Config, params *infoParams) error {
	l := dsym.NewLoader(logger, dsym.Options{
		CPU:        macho.CPUForArch(cfg.CPU),
		SearchDirs: cfg.DSYMSearchDirs,
	})
	m, err := l.Open(params.binary)
	if err != nil {
		return err
	}
	defer m.Close()

	writeInfo(output(ctx), m, params.objects)
	return nil
}

func writeInfo(out io.Writer, m *dsym.Mapping, objects bool) {
	obj := m.Object()
	h := obj.Header
	fmt.Fprintln(out, "path:", m.Path())
	if m.DebugPath() != m.Path() {
		fmt.Fprintln(out, "debug info:", m.DebugPath())
	}
	fmt.Fprintf(out, "header: %s %s, %d-bit, %d load commands\n", h.Cpu, h.Type, h.PointerWidth()*8, h.Ncmd)
	if id, ok := obj.UUID(); ok {
		fmt.Fprintln(out, "uuid:", uuid.UUID(id).String())
	}
	fmt.Fprintf(out, "text base: 0x%x\n", m.TextBase())
	fmt.Fprintln(out, "symbols:", len(obj.Symbols()))

	fmt.Fprintln(out, "segments:")
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Address", "Size", "Offset", "File Size", "Sections"})
	for _, s := range obj.Segments() {
		table.Append([]string{
			s.Name,
			fmt.Sprintf("0x%x", s.Addr),
			humanize.IBytes(s.Size),
			fmt.Sprintf("0x%x", s.Offset),
			humanize.IBytes(s.Filesz),
			fmt.Sprintf("%d", s.Sections),
		})
	}
	table.Render()

	if obj.HasDWARF() {
		fmt.Fprintln(out, "dwarf sections:")
		table = tablewriter.NewWriter(out)
		table.SetHeader([]string{"Name", "Segment", "Size", "Offset"})
		for _, s := range obj.DWARFSections() {
			table.Append([]string{
				s.Name,
				s.Segment,
				humanize.IBytes(s.Size),
				fmt.Sprintf("0x%x", s.Offset),
			})
		}
		table.Render()
	}

	om := obj.ObjectMap()
	if om == nil {
		return
	}
	fmt.Fprintf(out, "debug map: %d functions in %d objects\n", len(om.Entries()), len(om.Objects()))
	if objects {
		for _, o := range om.Objects() {
			fmt.Fprintln(out, "\t", o)
		}
	}
}
