package db

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	. "github.com/stevegt/goadapt"
)

// Path names a block or tree.  Any of the abspath, relpath or canpath
// forms can be handed to New; the other forms are derived from it.
type Path struct {
	Db    *Db
	Raw   string
	Abs   string // absolute
	Rel   string // relative
	Canon string // canonical
	Class string
	Algo  string
	Hash  string
}

func (path Path) New(db *Db, raw string) (res *Path, err error) {
	defer Return(&err)
	path.Db = db
	path.Raw = raw

	clean := filepath.Clean(raw)

	// remove db.Dir
	if strings.HasPrefix(clean, path.Db.Dir+"/") {
		clean = strings.TrimPrefix(clean, path.Db.Dir+"/")
	}

	parts := strings.Split(clean, "/")
	ErrnoIf(len(parts) < 3, syscall.EINVAL, "malformed path: %s", raw)
	path.Class = parts[0]
	switch path.Class {
	case "block", "tree":
	default:
		return nil, fmt.Errorf("%w: unknown class %q in %s", syscall.EINVAL, path.Class, raw)
	}
	path.Algo = parts[1]
	// the last part of the path is always the full hash, regardless
	// of whether we were given the full or canonical path
	path.Hash = parts[len(parts)-1]
	ErrnoIf(len(path.Hash) < 3*path.Db.Depth, syscall.EINVAL, "short hash: %s", raw)

	// Rel uses the nesting depth described in the Db comments.  The
	// last component keeps the full hash so the tree stays easy to
	// poke at with UNIX tools.
	var subpath string
	for i := 0; i < path.Db.Depth; i++ {
		subdir := path.Hash[(3 * i):((3 * i) + 3)]
		subpath = filepath.Join(subpath, subdir)
	}
	path.Rel = filepath.Join(path.Class, path.Algo, subpath, path.Hash)
	path.Abs = filepath.Join(path.Db.Dir, path.Rel)
	path.Canon = filepath.Join(path.Class, path.Algo, path.Hash)

	return &path, nil
}

func (path *Path) header() string {
	return path.Class + "\n"
}
