package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/machosym/pkg/dwarfctx"
	"github.com/grafana/machosym/pkg/symbolizer"
)

type resolveParams struct {
	binary    string
	addresses []string
}

func addResolveParams(cmd commander) *resolveParams {
	params := &resolveParams{}
	cmd.Arg("binary", "Path of the Mach-O binary.").Required().StringVar(&params.binary)
	cmd.Arg("address", "Addresses to resolve, hexadecimal with a 0x prefix or decimal.").Required().StringsVar(&params.addresses)
	return params
}

func parseAddresses(args []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid address %q", a)
		}
		addrs = append(addrs, v)
	}
	return addrs, nil
}

func resolve(ctx context.Context, cfg *symbolizer.Config, params *resolveParams) error {
	addrs, err := parseAddresses(params.addresses)
	if err != nil {
		return err
	}
	s, err := symbolizer.New(logger, *cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	w := output(ctx)
	for _, addr := range addrs {
		writeFrames(w, addr, s.Resolve(params.binary, addr))
	}
	return nil
}

func writeFrames(w io.Writer, addr uint64, frames []dwarfctx.Frame) {
	if len(frames) == 0 {
		fmt.Fprintf(w, "0x%x\t??\n", addr)
		return
	}
	for i, f := range frames {
		prefix := fmt.Sprintf("0x%x", addr)
		if i > 0 {
			// inlined into the previous frame
			prefix = "  (inlined by)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", prefix, f.Function, location(f))
	}
}

func location(f dwarfctx.Frame) string {
	loc := lo.Ternary(f.File == "", "??", f.File)
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, f.Line)
	}
	switch {
	case f.Object != "":
		loc += " [" + f.Object + "]"
	case f.Symtab:
		loc += " [symtab]"
	}
	return loc
}
