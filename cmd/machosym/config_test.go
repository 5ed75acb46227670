package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/machosym/pkg/symbolizer"
)

func TestParseConfigFileArgs(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want configFileArgs
	}{
		{args: []string{"resolve", "--config.file=a.yaml", "bin"}, want: configFileArgs{path: "a.yaml"}},
		{args: []string{"--config.file", "b.yaml", "resolve"}, want: configFileArgs{path: "b.yaml"}},
		{args: []string{"--config.file=a.yaml", "--config.file=b.yaml"}, want: configFileArgs{path: "b.yaml"}},
		{args: []string{"--config.file=a.yaml", "--config.expand-env"}, want: configFileArgs{path: "a.yaml", expandEnv: true}},
		{args: []string{"--config.expand-env=false", "--config.file=a.yaml"}, want: configFileArgs{path: "a.yaml"}},
		{args: []string{"-v", "resolve", "bin", "0x10"}},
		{args: []string{"resolve", "--", "--config.file=a.yaml"}},
		{args: []string{"config.file=a.yaml"}},
		{args: []string{"--config.file"}},
	} {
		require.Equal(t, tc.want, parseConfigFileArgs(tc.args), "%v", tc.args)
	}
}

func newTestApp() *kingpin.Application {
	app := kingpin.New("test", "")
	app.Flag(configFileFlag, "").String()
	app.Flag(configExpandEnvFlag, "").Bool()
	return app
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	app := newTestApp()
	cfg, err := loadConfig(app, nil)
	require.NoError(t, err)
	_, err = app.Parse(nil)
	require.NoError(t, err)

	require.Equal(t, symbolizer.BackendMachO, cfg.Backend)
	require.Equal(t, 16, cfg.CacheSize)
	require.True(t, cfg.Demangle)
	require.Equal(t, 4, cfg.MaxConcurrency)
	require.Empty(t, cfg.DSYMSearchDirs)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
symbolizer:
  cache_size: 3
  demangle: false
  max_concurrency: 2
  dsym_search_dirs: /a,/b
`)
	args := []string{"--config.file", path, "--symbolizer.cache-size=7"}
	app := newTestApp()
	cfg, err := loadConfig(app, args)
	require.NoError(t, err)
	_, err = app.Parse(args)
	require.NoError(t, err)

	require.Equal(t, 7, cfg.CacheSize)
	require.False(t, cfg.Demangle)
	require.Equal(t, 2, cfg.MaxConcurrency)
	require.Equal(t, []string{"/a", "/b"}, []string(cfg.DSYMSearchDirs))
	require.Equal(t, symbolizer.BackendMachO, cfg.Backend)
}

func TestLoadConfigExpandEnv(t *testing.T) {
	t.Setenv("MACHOSYM_TEST_DSYM_DIR", "/opt/dsyms")
	path := writeConfig(t, "symbolizer:\n  dsym_search_dirs: ${MACHOSYM_TEST_DSYM_DIR}\n")

	cfg, err := loadConfig(newTestApp(), []string{"--config.file=" + path, "--config.expand-env"})
	require.NoError(t, err)
	require.Equal(t, []string{"/opt/dsyms"}, []string(cfg.DSYMSearchDirs))

	cfg, err = loadConfig(newTestApp(), []string{"--config.file=" + path})
	require.NoError(t, err)
	require.Equal(t, []string{"${MACHOSYM_TEST_DSYM_DIR}"}, []string(cfg.DSYMSearchDirs))
}

func TestLoadConfigEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := loadConfig(newTestApp(), []string{"--config.file=" + path})
	require.NoError(t, err)
	require.Equal(t, 16, cfg.CacheSize)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(newTestApp(), []string{"--config.file=" + filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorIs(t, err, os.ErrNotExist)

	for _, content := range []string{
		"symbolizer:\n  bogus: 1\n",
		"other: 1\n",
		"symbolizer:\n  cache_size: many\n",
	} {
		path := writeConfig(t, content)
		_, err := loadConfig(newTestApp(), []string{"--config.file=" + path})
		require.Error(t, err, content)
	}
}
