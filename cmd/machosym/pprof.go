package main

import (
	"context"
	"os"

	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/pkg/errors"

	"github.com/grafana/machosym/pkg/symbolizer"
)

type symbolizePprofParams struct {
	input  string
	output string
}

func addSymbolizePprofParams(cmd commander) *symbolizePprofParams {
	params := &symbolizePprofParams{}
	cmd.Flag("output", "File to write the symbolized profile to. Defaults to standard output.").Short('o').StringVar(&params.output)
	cmd.Arg("profile", "Path of the pprof profile.").Required().ExistingFileVar(&params.input)
	return params
}

func symbolizePprof(ctx context.Context, cfg *symbolizer.Config, params *symbolizePprofParams) error {
	p, err := readProfile(params.input)
	if err != nil {
		return err
	}

	s, err := symbolizer.New(logger, *cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.SymbolizePprof(ctx, p); err != nil {
		return errors.Wrap(err, "symbolize profile")
	}
	level.Debug(logger).Log("msg", "symbolized profile", "locations", len(p.Location), "functions", len(p.Function))

	if params.output == "" {
		return p.Write(output(ctx))
	}
	return writeProfile(params.output, p)
}

func readProfile(path string) (*profile.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := profile.Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse profile %s", path)
	}
	return p, nil
}

func writeProfile(path string, p *profile.Profile) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return p.Write(f)
}
