package main

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/machosym/pkg/symbolizer"
)

const (
	configFileFlag      = "config.file"
	configExpandEnvFlag = "config.expand-env"
)

type fileConfig struct {
	Symbolizer *symbolizer.Config `yaml:"symbolizer"`
}

type configFileArgs struct {
	path      string
	expandEnv bool
}

// parseConfigFileArgs finds the config file flags in args before the command
// line is parsed, so the file can be applied underneath the other flags.
func parseConfigFileArgs(args []string) configFileArgs {
	var c configFileArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch name {
		case configFileFlag:
			if !hasValue && i+1 < len(args) {
				i++
				value = args[i]
			}
			c.path = value
		case configExpandEnvFlag:
			c.expandEnv = true
			if hasValue {
				c.expandEnv, _ = strconv.ParseBool(value)
			}
		}
	}
	return c
}

func loadConfigFile(c configFileArgs, cfg *symbolizer.Config) error {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if c.expandEnv {
		s, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return errors.Wrapf(err, "expand environment in %s", c.path)
		}
		buf = []byte(s)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&fileConfig{Symbolizer: cfg}); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "parse config file %s", c.path)
	}
	return nil
}
