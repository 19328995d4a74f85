package nar

import (
	"fmt"
	"io"
)

// Kind is the type of a tree entry.
type Kind int

const (
	Regular Kind = iota + 1
	Executable
	Symlink
	Directory
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case Executable:
		return "executable"
	case Symlink:
		return "symlink"
	case Directory:
		return "directory"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stat is what the serializer needs to know about one entry.  Size is
// only meaningful for Regular and Executable, Target only for Symlink.
type Stat struct {
	Kind   Kind
	Size   int64
	Target string
}

// Source is a read-only view of a tree.  Paths are slash-separated and
// relative to the root, which is ".".  Lstat must not follow a symlink
// at path.  ReadDir returns the names of a directory's children in any
// order.
type Source interface {
	Lstat(path string) (Stat, error)
	Open(path string) (io.ReadCloser, error)
	ReadDir(path string) ([]string, error)
	Readlink(path string) (string, error)
}

// SourceError wraps a failure to read from a Source, so that callers
// can tell source-side failures apart from failures writing the
// serialized stream.
type SourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func srcErr(op, path string, err error) error {
	return &SourceError{Op: op, Path: path, Err: err}
}
