// Package source reads trees to be ingested from an afero filesystem:
// the real disk in production, an in-memory filesystem in tests.
package source

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/t7a/pitfetch/nar"
)

// FS is a nar.Source rooted at Root on Fs.  The root may be a
// directory, a file, or a symlink.
type FS struct {
	Fs   afero.Fs
	Root string
}

var _ nar.Source = (*FS)(nil)

// New returns a source for root on fsys.
func New(fsys afero.Fs, root string) *FS {
	return &FS{Fs: fsys, Root: filepath.Clean(root)}
}

// Dir returns a source for the tree at root on the local disk.
func Dir(root string) *FS {
	return New(afero.NewOsFs(), root)
}

// File is Dir for a single file; it exists so call sites read well.
func File(p string) *FS {
	return Dir(p)
}

func (s *FS) abs(p string) string {
	if p == "." || p == "" {
		return s.Root
	}
	return filepath.Join(s.Root, filepath.FromSlash(path.Clean(p)))
}

// Lstat stats p without following a final symlink, if the filesystem
// can tell the difference.
func (s *FS) Lstat(p string) (st nar.Stat, err error) {
	name := s.abs(p)
	var fi os.FileInfo
	if lst, ok := s.Fs.(afero.Lstater); ok {
		fi, _, err = lst.LstatIfPossible(name)
	} else {
		fi, err = s.Fs.Stat(name)
	}
	if err != nil {
		return
	}
	mode := fi.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		st.Kind = nar.Symlink
	case mode.IsDir():
		st.Kind = nar.Directory
	case mode.IsRegular():
		st.Kind = nar.Regular
		if mode&0100 != 0 {
			st.Kind = nar.Executable
		}
		st.Size = fi.Size()
	default:
		return st, errors.Errorf("%s: unsupported file mode %v", name, mode)
	}
	return
}

func (s *FS) Open(p string) (io.ReadCloser, error) {
	return s.Fs.Open(s.abs(p))
}

// ReadDir returns the names of the children of directory p.
func (s *FS) ReadDir(p string) (names []string, err error) {
	fh, err := s.Fs.Open(s.abs(p))
	if err != nil {
		return
	}
	defer fh.Close()
	return fh.Readdirnames(-1)
}

func (s *FS) Readlink(p string) (target string, err error) {
	lr, ok := s.Fs.(afero.LinkReader)
	if !ok {
		return "", errors.Errorf("%s: filesystem does not support symlinks", s.abs(p))
	}
	return lr.ReadlinkIfPossible(s.abs(p))
}
