package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(p, []byte("hello mapped world"), 0o644))

	f, err := Open(p)
	require.NoError(t, err)
	require.Equal(t, p, f.Path())
	require.Equal(t, []byte("hello mapped world"), f.Bytes())
	require.Equal(t, 18, f.Len())

	require.NoError(t, f.Close())
	require.Nil(t, f.Bytes())
	require.NoError(t, f.Close())
}

func TestOpenEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	f, err := Open(p)
	require.NoError(t, err)
	require.NotNil(t, f.Bytes())
	require.Equal(t, 0, f.Len())
	require.NoError(t, f.Close())
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Open(dir)
	require.ErrorIs(t, err, os.ErrInvalid)
}

func TestIndependentFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("bbbb"), 0o644))

	fa, err := Open(a)
	require.NoError(t, err)
	fb, err := Open(b)
	require.NoError(t, err)

	require.NoError(t, fa.Close())
	require.Equal(t, []byte("bbbb"), fb.Bytes())
	require.NoError(t, fb.Close())
}
