package source_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/pitfetch/nar"
	"github.com/t7a/pitfetch/source"
)

func TestMemFS(t *testing.T) {
	memFS := afero.NewMemMapFs()
	require.NoError(t, memFS.MkdirAll("src/dir1/dir2", 0755))
	require.NoError(t, afero.WriteFile(memFS, "src/a", []byte("file a"), 0644))
	require.NoError(t, afero.WriteFile(memFS, "src/dir1/run", []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, afero.WriteFile(memFS, "src/dir1/dir2/d", []byte("file d"), 0644))

	src := source.New(memFS, "src")

	st, err := src.Lstat(".")
	require.NoError(t, err)
	assert.Equal(t, nar.Directory, st.Kind)

	st, err = src.Lstat("a")
	require.NoError(t, err)
	assert.Equal(t, nar.Regular, st.Kind)
	assert.Equal(t, int64(6), st.Size)

	st, err = src.Lstat("dir1/run")
	require.NoError(t, err)
	assert.Equal(t, nar.Executable, st.Kind)

	names, err := src.ReadDir("dir1")
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"dir2", "run"}, names)

	rc, err := src.Open("dir1/dir2/d")
	require.NoError(t, err)
	buf, err := ioutil.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "file d", string(buf))

	_, err = src.Lstat("missing")
	assert.True(t, os.IsNotExist(err), "expected not-exist, got %v", err)
}

func TestSameTreeSameArchive(t *testing.T) {
	// the same logical tree on disk and in memory serializes identically
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b", "c"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "z"), []byte("zz"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b", "c", "y"), []byte("yy"), 0644))

	memFS := afero.NewMemMapFs()
	require.NoError(t, memFS.MkdirAll("root/b/c", 0755))
	require.NoError(t, afero.WriteFile(memFS, "root/b/c/y", []byte("yy"), 0644))
	require.NoError(t, afero.WriteFile(memFS, "root/z", []byte("zz"), 0644))

	var disk, mem bytes.Buffer
	require.NoError(t, nar.Dump(context.Background(), source.Dir(dir), nil, &disk))
	require.NoError(t, nar.Dump(context.Background(), source.New(memFS, "root"), nil, &mem))
	assert.Equal(t, disk.Bytes(), mem.Bytes())
}

func TestSymlinkOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "target"), []byte("t"), 0644))
	require.NoError(t, os.Symlink("target", filepath.Join(dir, "link")))

	src := source.Dir(dir)
	st, err := src.Lstat("link")
	require.NoError(t, err)
	assert.Equal(t, nar.Symlink, st.Kind)

	target, err := src.Readlink("link")
	require.NoError(t, err)
	assert.Equal(t, "target", target)

	// a symlink as the root is not followed either
	st, err = source.File(filepath.Join(dir, "link")).Lstat(".")
	require.NoError(t, err)
	assert.Equal(t, nar.Symlink, st.Kind)
}
