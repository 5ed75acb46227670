package symbolizer

import (
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/machosym/pkg/macho"
)

type Config struct {
	Backend        string                 `yaml:"backend"`
	CacheSize      int                    `yaml:"cache_size"`
	Demangle       bool                   `yaml:"demangle"`
	CPU            string                 `yaml:"cpu"`
	DSYMSearchDirs flagext.StringSliceCSV `yaml:"dsym_search_dirs"`
	MaxConcurrency int                    `yaml:"max_concurrency" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, "symbolizer.backend", BackendMachO, "Debug info backend used to open binaries.")
	f.IntVar(&cfg.CacheSize, "symbolizer.cache-size", 16, "Maximum number of binaries kept open.")
	f.BoolVar(&cfg.Demangle, "symbolizer.demangle", true, "Demangle C++ and Rust symbol names.")
	f.StringVar(&cfg.CPU, "symbolizer.cpu", "", "Architecture of the fat binary slice to use: 386, amd64, arm or arm64. Defaults to the host architecture.")
	f.Var(&cfg.DSYMSearchDirs, "symbolizer.dsym-search-dirs", "Comma separated list of additional directories searched for dSYM bundles.")
	f.IntVar(&cfg.MaxConcurrency, "symbolizer.max-concurrency", 4, "Maximum number of mappings symbolized concurrently in a profile.")
}

func (cfg *Config) Validate() error {
	if _, ok := lookupBackend(cfg.Backend); !ok {
		return fmt.Errorf("unknown symbolizer backend %q", cfg.Backend)
	}
	if cfg.CacheSize < 1 {
		return fmt.Errorf("invalid cache-size value, must be positive")
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("invalid max-concurrency value, must be positive")
	}
	if cfg.CPU != "" && macho.CPUForArch(cfg.CPU) == 0 {
		return fmt.Errorf("unsupported cpu %q", cfg.CPU)
	}
	return nil
}
