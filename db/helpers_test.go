package db

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/digest"
	"github.com/t7a/pitfetch/storepath"
)

const testDbDirPrefix = "pitfetch"

func mkbuf(s string) []byte {
	return []byte(s)
}

// an example of how an Object might be used
func objectExample(t *testing.T, o Object) {
	t.Helper()
	abspath := o.GetPath().Abs
	tassert(t, len(abspath) > 0, "path len %v", len(abspath))

	size, err := o.Size()
	tassert(t, err == nil, "Size() size %d err %v", size, err)
}

func pathFromBuf(db *Db, class string, buf []byte) (path *Path, err error) {
	d, err := digest.Bytes(db.Algo, append([]byte(class+"\n"), buf...))
	if err != nil {
		return
	}
	return Path{}.New(db, filepath.Join(class, string(db.Algo), hex.EncodeToString(d.Sum())))
}

func setup(t *testing.T, db *Db) *Db {
	var err error
	var dir string

	if db == nil {
		db = &Db{}
	}
	Assert(db.Dir == "")

	if os.Getenv("DEBUG") == "1" {
		dir, err = ioutil.TempDir("", testDbDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		// automatically cleaned up
		dir = t.TempDir()
	}
	db.Dir = dir
	// small chunks so short test streams still span several blocks
	if db.MinSize == 0 {
		db.MinSize = 128
		db.MaxSize = 512
	}

	_, err = db.Create()
	Ck(err)
	db, err = Open(dir)
	Ck(err)
	tassert(t, db != nil, "db is nil")
	return db
}

// commit stages buf and commits it as a flat entry named name.
func commit(t *testing.T, db *Db, name string, buf []byte) storepath.Info {
	t.Helper()
	ctx := context.Background()
	d, err := digest.Bytes(db.Algo, buf)
	tassert(t, err == nil, "%v", err)
	id, err := storepath.Derive(storepath.Flat, d, name)
	tassert(t, err == nil, "%v", err)
	info := storepath.Info{ID: id, Name: name, Method: storepath.Flat, Digest: d, Size: int64(len(buf))}

	stg, err := db.BeginStaging(ctx)
	tassert(t, err == nil, "BeginStaging: %v", err)
	n, err := stg.Write(buf)
	tassert(t, err == nil && n == len(buf), "Write: %d %v", n, err)
	err = db.Commit(ctx, stg, info)
	tassert(t, err == nil, "Commit: %v", err)
	return info
}

// putBlock publishes buf as a block.
func putBlock(t *testing.T, db *Db, buf []byte) *Block {
	t.Helper()
	file, err := CreateWorm(db, db.tmpDir(), "block")
	tassert(t, err == nil, "%v", err)
	b := Block{}.New(db, file)
	n, err := b.Write(buf)
	tassert(t, err == nil && n == len(buf), "Write %d %v", n, err)
	err = b.Close()
	tassert(t, err == nil, "%v", err)
	err = b.Publish()
	tassert(t, err == nil, "%v", err)
	return b
}

// putTree publishes a tree over children.
func putTree(t *testing.T, db *Db, children ...Object) *Tree {
	t.Helper()
	tree, err := db.stageTree(db.tmpDir(), children)
	tassert(t, err == nil, "%v", err)
	err = tree.Publish()
	tassert(t, err == nil, "%v", err)
	return tree
}

// getTree opens a published tree with its entries loaded.
func getTree(t *testing.T, db *Db, path *Path) *Tree {
	t.Helper()
	file, err := OpenWorm(db, path)
	tassert(t, err == nil, "%v", err)
	tree := Tree{}.New(db, file)
	err = tree.loadEntries()
	tassert(t, err == nil, "%v", err)
	return tree
}

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}
