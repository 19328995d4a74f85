package db

import (
	"path/filepath"
	"testing"
)

func TestPath(t *testing.T) {
	db := setup(t, nil)

	hash := "d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"
	canpath := "block/sha256/d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"
	relpath := "block/sha256/d2c/71a/d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"

	for _, raw := range []string{canpath, relpath, filepath.Join(db.Dir, relpath)} {
		path, err := Path{}.New(db, raw)
		tassert(t, err == nil, "%#v", err)

		expect := filepath.Join(db.Dir, relpath)
		got := path.Abs
		tassert(t, expect == got, "expected %s, got %s", expect, got)

		expect = canpath
		got = path.Canon
		tassert(t, expect == got, "expected %s, got %s", expect, got)

		expect = hash
		got = path.Hash
		tassert(t, expect == got, "expected %s, got %s", expect, got)
	}
}

func TestPathMalformed(t *testing.T) {
	db := setup(t, nil)
	for _, raw := range []string{"block", "block/sha256", "stream/sha256/abcdef", "tree/sha256/ab"} {
		_, err := Path{}.New(db, raw)
		tassert(t, err != nil, "%q: expected error", raw)
	}
}
