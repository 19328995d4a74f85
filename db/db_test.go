package db

import (
	"bytes"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/t7a/pitfetch/digest"
)

func TestCreateOpen(t *testing.T) {
	db := setup(t, nil)
	tassert(t, db.Depth == 2, "depth %d", db.Depth)
	tassert(t, db.Algo == digest.SHA256, "algo %q", db.Algo)
	tassert(t, db.Poly != 0, "no polynomial")

	// config survives a reopen
	again, err := Open(db.Dir)
	tassert(t, err == nil, "%v", err)
	tassert(t, again.Poly == db.Poly && again.MinSize == db.MinSize, "config changed: %#v", again)

	// refuses a non-empty dir
	_, err = Db{Dir: db.Dir}.Create()
	var existsErr *ExistsError
	tassert(t, errors.As(err, &existsErr), "expected ExistsError, got %v", err)
}

func TestOpenNotDb(t *testing.T) {
	dir := t.TempDir()
	err := ioutil.WriteFile(filepath.Join(dir, "x"), []byte("x"), 0644)
	tassert(t, err == nil, "%v", err)
	_, err = Open(dir)
	var notDb *NotDbError
	tassert(t, errors.As(err, &notDb), "expected NotDbError, got %v", err)
}

func TestCreateBlake3(t *testing.T) {
	db := setup(t, &Db{Algo: digest.BLAKE3, Depth: 3})
	b := putBlock(t, db, mkbuf("somevalue"))
	tassert(t, b.Path.Algo == "blake3", "algo %q", b.Path.Algo)
	expect, err := pathFromBuf(db, "block", mkbuf("somevalue"))
	tassert(t, err == nil, "%v", err)
	tassert(t, expect.Rel == b.Path.Rel, "expected %s got %s", expect.Rel, b.Path.Rel)
}

func TestBlockName(t *testing.T) {
	db := setup(t, nil)
	val := mkbuf("somevalue")
	path, err := pathFromBuf(db, "block", val)
	if err != nil {
		t.Fatal(err)
	}
	gotblock := putBlock(t, db, val)
	if path.Canon != gotblock.Path.Canon {
		t.Fatalf("expected path %s, got %s", path.Canon, gotblock.Path.Canon)
	}
	expect := "block/sha256/724151f523191e3c37d297783290d65a75ce70029f03026405e37c2e346b0e0a"
	tassert(t, expect == path.Canon, "expected %s got %s", expect, path.Canon)

	obj, err := db.ObjectFromPath(path)
	tassert(t, err == nil, "%v", err)
	defer obj.Close()
	got, err := ioutil.ReadAll(obj)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(val, got) {
		t.Fatalf("expected %q, got %q", string(val), string(got))
	}
}

// XXX add chattr for failure test
func TestMkdir(t *testing.T) {
	err := mkdir("/etc/foobar/baz")
	if err == nil {
		t.Fatal("expected error, got none")
	}
}
