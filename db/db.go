package db

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/digest"
	"github.com/t7a/pitfetch/storepath"
)

// number of entry info records kept in memory
const infoCacheSize = 1024

// Db is a content-addressed entry store. Dir is the base directory.
// Depth is the number of subdirectory levels in the block and tree
// dirs.  We use three-character hexadecimal names for the
// subdirectories, giving us a maximum of 4096 subdirs in a parent dir
// -- that's a sweet spot.  Two-character names (such as what git uses
// under .git/objects) only allow for 256 subdirs, which is
// unnecessarily small.  Four-character names would give us 65,536
// subdirs, which would cause performance issues on e.g. ext4.
type Db struct {
	Dir     string          // base of tree
	Depth   int             // number of subdir levels in block and tree dirs
	Algo    digest.Algo     // hash algorithm for objects and entries
	Poly    resticRabin.Pol // rabin polynomial for chunking
	MinSize uint            // minimum chunk size
	MaxSize uint            // maximum chunk size

	infos *lru.Cache[storepath.ID, storepath.Info]
}

// top-level directories created by Create
var layout = []string{"block", "tree", "entry", "info", "cache", "lock", "tmp"}

type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// Open loads an existing db from dir.
func Open(dir string) (db *Db, err error) {
	defer Return(&err)
	dir = filepath.Clean(dir)

	if !canstat(dir) {
		return nil, fmt.Errorf("cannot open: %s", dir)
	}

	// load config
	buf, err := ioutil.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, &NotDbError{Dir: dir}
	}
	db = &Db{}
	err = json.Unmarshal(buf, db)
	Ck(err)
	// the directory may have moved since Create
	db.Dir = dir
	if db.Algo == "" {
		db.Algo = digest.Default
	}
	if !db.Algo.Valid() {
		return nil, fmt.Errorf("%s: unsupported algo %q", dir, db.Algo)
	}
	db.infos, err = lru.New[storepath.ID, storepath.Info](infoCacheSize)
	Ck(err)

	log.Debugf("opened db %s depth %d algo %s", db.Dir, db.Depth, db.Algo)
	return
}

// Create initializes a db directory and its contents, then opens it.
func (db Db) Create() (out *Db, err error) {
	defer Return(&err)

	dir := db.Dir

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	// set nesting depth
	if db.Depth < 1 {
		db.Depth = 2
	}
	if db.Algo == "" {
		db.Algo = digest.Default
	}
	if !db.Algo.Valid() {
		return nil, fmt.Errorf("unsupported algo %q", db.Algo)
	}

	err = mkdir(dir)
	Ck(err)
	for _, sub := range layout {
		err = mkdir(filepath.Join(dir, sub))
		Ck(err)
	}

	if db.Poly == 0 {
		db.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}
	if db.MinSize == 0 {
		db.MinSize = defMinSize
	}
	if db.MaxSize == 0 {
		db.MaxSize = defMaxSize
	}

	buf, err := json.MarshalIndent(db, "", "  ")
	Ck(err)
	err = ioutil.WriteFile(filepath.Join(dir, "config.json"), buf, 0644)
	Ck(err)

	return Open(dir)
}

func (db *Db) tmpDir() string {
	return filepath.Join(db.Dir, "tmp")
}

// ObjectFromPath opens the object a path names.
func (db *Db) ObjectFromPath(path *Path) (obj Object, err error) {
	defer Return(&err)

	switch path.Class {
	case "block":
		file, err := OpenWorm(db, path)
		Ck(err)
		return Block{}.New(db, file), nil
	case "tree":
		file, err := OpenWorm(db, path)
		Ck(err)
		return Tree{}.New(db, file), nil
	}
	return nil, fmt.Errorf("unhandled class %q in %s", path.Class, path.Canon)
}

func (db *Db) stageTree(dir string, children []Object) (tree *Tree, err error) {
	defer Return(&err)

	file, err := CreateWorm(db, dir, "tree")
	Ck(err)
	tree = Tree{}.New(db, file)

	// this is a write of a new tree, so we can't call loadEntries()
	tree._entries = children
	tree.loaded = true

	buf := []byte(tree.Txt())
	n, err := tree.Write(buf)
	if err != nil {
		tree.Abort()
		return nil, err
	}
	Assert(n == len(buf), "short write")
	err = tree.Close()
	Ck(err)
	return
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if canstat(dir) {
		return
	}
	return os.Mkdir(dir, 0755)
}
