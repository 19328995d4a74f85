package fuse

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/db"
	"github.com/t7a/pitfetch/fetch"
	"github.com/t7a/pitfetch/source"
	"github.com/t7a/pitfetch/storepath"
)

const testDbDirPrefix = "pitfetch_db"

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) (store *db.Db, mnt string) {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse")
	}

	var err error
	var dir string
	if os.Getenv("DEBUG") == "1" {
		dir, err = ioutil.TempDir("", testDbDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
	}
	store, err = db.Db{Dir: dir, MinSize: 128, MaxSize: 512}.Create()
	Ck(err)
	mnt = t.TempDir()
	return
}

func mount(t *testing.T, store *db.Db, mnt string) {
	server, err := Serve(store, mnt, os.Getenv("DEBUG") == "1")
	if err != nil {
		t.Skipf("cannot mount: %v", err)
	}
	t.Cleanup(func() {
		err := server.Unmount()
		tassert(t, err == nil, "%#v", err)
	})
}

func ingest(t *testing.T, store *db.Db, src *source.FS, opts fetch.Options) storepath.ID {
	res, err := (&fetch.Fetcher{Store: store}).Ingest(context.Background(), src, opts)
	tassert(t, err == nil, "%v", err)
	return res.ID
}

func TestMountFlat(t *testing.T) {
	store, mnt := setup(t)
	big := bytes.Repeat([]byte("0123456789"), 1000)
	fsys := afero.NewMemMapFs()
	Ck(afero.WriteFile(fsys, "big", big, 0644))
	id := ingest(t, store, source.New(fsys, "big"), fetch.Options{Name: "big", Method: storepath.Flat})
	mount(t, store, mnt)

	fn := filepath.Join(mnt, "entry", string(id), ContentName)
	got, err := ioutil.ReadFile(fn)
	tassert(t, err == nil, "%#v", err)
	tassert(t, bytes.Equal(big, got), "content differs: %d bytes", len(got))

	fi, err := os.Stat(fn)
	tassert(t, err == nil, "%#v", err)
	tassert(t, fi.Size() == int64(len(big)), "size %d", fi.Size())

	// read at an offset
	fh, err := os.Open(fn)
	tassert(t, err == nil, "%#v", err)
	defer fh.Close()
	buf := make([]byte, 10)
	n, err := fh.ReadAt(buf, 5005)
	tassert(t, err == nil && n == 10, "%d %v", n, err)
	tassert(t, string(buf) == "5678901234", "got %q", buf)

	// read-only
	_, err = os.OpenFile(fn, os.O_WRONLY, 0)
	tassert(t, err != nil, "opened for writing")
}

func TestMountRecursive(t *testing.T) {
	store, mnt := setup(t)
	fsys := afero.NewMemMapFs()
	Ck(fsys.MkdirAll("src/docs", 0755))
	Ck(afero.WriteFile(fsys, "src/greeting", []byte("hi\n"), 0644))
	Ck(afero.WriteFile(fsys, "src/docs/readme", []byte("read me"), 0644))
	Ck(afero.WriteFile(fsys, "src/run.sh", []byte("#!/bin/sh\n"), 0755))
	id := ingest(t, store, source.New(fsys, "src"), fetch.Options{})
	mount(t, store, mnt)

	root := filepath.Join(mnt, "entry", string(id))
	got, err := ioutil.ReadFile(filepath.Join(root, "docs", "readme"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, string(got) == "read me", "got %q", got)

	fi, err := os.Stat(filepath.Join(root, "run.sh"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, fi.Mode()&0100 != 0, "mode %v", fi.Mode())

	files, err := ioutil.ReadDir(root)
	tassert(t, err == nil, "%#v", err)
	var names []string
	for _, fi := range files {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	tassert(t, fmt.Sprint(names) == "[docs greeting run.sh]", "got %v", names)

	entries, err := ioutil.ReadDir(filepath.Join(mnt, "entry"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, len(entries) == 1 && entries[0].Name() == string(id), "got %v", entries)

	_, err = os.Stat(filepath.Join(mnt, "entry", "bnothere-x"))
	tassert(t, os.IsNotExist(err), "%#v", err)
}

func TestMountTree(t *testing.T) {
	store, mnt := setup(t)
	fsys := afero.NewMemMapFs()
	Ck(afero.WriteFile(fsys, "f", []byte("somevalue"), 0644))
	id := ingest(t, store, source.New(fsys, "f"), fetch.Options{Name: "f", Method: storepath.Flat})
	tree, err := store.Entry(id)
	tassert(t, err == nil, "%#v", err)
	p := tree.GetPath()
	tree.Close()
	mount(t, store, mnt)

	fn := filepath.Join(mnt, "tree", p.Algo, p.Hash, ContentName)
	got, err := ioutil.ReadFile(fn)
	tassert(t, err == nil, "%#v", err)
	tassert(t, string(got) == "somevalue", "got %q", got)
}
