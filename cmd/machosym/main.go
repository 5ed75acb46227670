package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/machosym/pkg/symbolizer"
)

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	var (
		verbose    bool
		configFile string
		expandEnv  bool
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "Symbolization tool for Mach-O binaries and their dSYM bundles.").UsageWriter(os.Stdout)
	app.Version(version.Print("machosym"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&verbose)
	app.Flag(configFileFlag, "YAML file to load. Command line flags take precedence over its values.").StringVar(&configFile)
	app.Flag(configExpandEnvFlag, "Expand ${VAR} references in the config file using the environment.").Default("false").BoolVar(&expandEnv)

	cfg, err := loadConfig(app, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	resolveCmd := app.Command("resolve", "Print the frames of addresses in a binary.")
	resolveParams := addResolveParams(resolveCmd)

	infoCmd := app.Command("info", "Print the load commands and debug info summary of a binary.")
	infoParams := addInfoParams(infoCmd)

	pprofCmd := app.Command("symbolize-pprof", "Symbolize the unsymbolized locations of a pprof profile.")
	pprofParams := addSymbolizePprofParams(pprofCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case resolveCmd.FullCommand():
		if err := resolve(ctx, cfg, resolveParams); err != nil {
			os.Exit(checkError(err))
		}
	case infoCmd.FullCommand():
		if err := info(ctx, cfg, infoParams); err != nil {
			os.Exit(checkError(err))
		}
	case pprofCmd.FullCommand():
		if err := symbolizePprof(ctx, cfg, pprofParams); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

// loadConfig registers every symbolizer flag on app and returns the config
// they write to. Defaults come first, then the file named by --config.file,
// then whatever the command line sets once app is parsed.
func loadConfig(app *kingpin.Application, args []string) (*symbolizer.Config, error) {
	cfg := &symbolizer.Config{}
	fs := flag.NewFlagSet("symbolizer", flag.ContinueOnError)
	cfg.RegisterFlags(fs)

	if c := parseConfigFileArgs(args); c.path != "" {
		if err := loadConfigFile(c, cfg); err != nil {
			return nil, err
		}
	}

	fs.VisitAll(func(f *flag.Flag) {
		help := f.Usage
		if f.DefValue != "" {
			help = fmt.Sprintf("%s (default %s)", help, f.DefValue)
		}
		app.Flag(f.Name, help).SetValue(f.Value)
	})
	return cfg, nil
}

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
